package proxy

import (
	"encoding/base64"
	"encoding/json"
)

// StubAuth is the synthetic credential set handed to a spawned agent.
// Every token in it resolves back to the owning session when presented
// to the proxy; none of it is usable anywhere else.
type StubAuth struct {
	AnthropicToken string
	CodexToken     string
}

// BuildStubAuth mints the per-session synthetic tokens. The codex token
// is shaped like a JWT so the agent's client accepts it, but carries
// only the session claim plus the real account id (which the provider
// needs echoed back and is not secret to the agent).
func (p *Proxy) BuildStubAuth(sessionID string) StubAuth {
	stub := StubAuth{
		AnthropicToken: anthropicStubPrefix + sessionID,
	}

	claims := stubClaims{OppiSession: sessionID}
	if cred := p.credential("openai-codex"); cred != nil {
		claims.AccountID = cred.AccountID
	}
	stub.CodexToken = mintStubJWT(claims)
	return stub
}

// StubEnv renders the stub credentials as the environment the agent
// subprocess is spawned with. Base URLs point every provider at the
// proxy; the real tokens never appear here.
func (p *Proxy) StubEnv(sessionID string) []string {
	stub := p.BuildStubAuth(sessionID)
	return []string{
		"ANTHROPIC_BASE_URL=" + p.baseURL + "/anthropic",
		"ANTHROPIC_AUTH_TOKEN=" + stub.AnthropicToken,
		"OPENAI_BASE_URL=" + p.baseURL + "/openai-codex",
		"OPENAI_ACCESS_TOKEN=" + stub.CodexToken,
	}
}

// mintStubJWT produces a compact unsigned token (alg none). The proxy
// is the only consumer and reads just the payload.
func mintStubJWT(claims stubClaims) string {
	header, _ := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	payload, _ := json.Marshal(claims)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + "."
}
