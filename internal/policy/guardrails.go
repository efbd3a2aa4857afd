package policy

import "strings"

// Known secret-surface paths. Reads of these are denied regardless of
// stored rules.
var secretPathPatterns = []string{
	"**/auth.json",
	"**/.ssh/**",
	"**/.aws/credentials",
	"**/.npmrc",
	"**/.netrc",
	"**/.docker/config.json",
	"**/.kube/config",
	"**/.config/gh/hosts.yml",
	"**/.config/gcloud/application_default_credentials.json",
	"**/.azure/accessTokens.json",
	"**/.azure/msal_token_cache.json",
}

// Substrings that mark a secret path inside a bash command
var secretPathFragments = []string{
	"auth.json",
	".ssh/",
	".aws/credentials",
	".npmrc",
	".netrc",
	".docker/config.json",
	".kube/config",
	"gh/hosts.yml",
	"application_default_credentials",
	".azure/accessTokens",
	".azure/msal_token_cache",
}

// Env var name fragments whose values are credentials
var secretEnvFragments = []string{"API_KEY", "APIKEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL"}

// Tools that move data off the host
var egressExecutables = map[string]bool{
	"curl":    true,
	"wget":    true,
	"nslookup": true,
	"dig":     true,
	"nc":      true,
	"ncat":    true,
	"socat":   true,
}

// Executables that read file contents
var readExecutables = map[string]bool{
	"cat":  true,
	"head": true,
	"tail": true,
	"less": true,
	"more": true,
	"grep": true,
	"awk":  true,
	"sed":  true,
	"base64": true,
	"xxd":  true,
	"cp":   true,
	"dd":   true,
}

// evaluateGuardrails is the always-first layer: known secret surfaces
// produce a deny no stored rule can override.
func evaluateGuardrails(req *Request) *Decision {
	// Path-based tools touching secret surfaces
	if p := req.PathOf(); p != "" {
		norm := normalizeHome(p)
		for _, pat := range secretPathPatterns {
			if Glob(pat, norm) {
				return &Decision{
					Action: ActionDeny,
					Reason: "reads a known credential surface",
					Layer:  LayerGuardrail,
				}
			}
		}
	}

	command := req.CommandOf()
	if command == "" {
		return nil
	}

	touchesSecret := false
	hasEgress := false
	hasSecretEnvLookup := false

	for _, clause := range SplitClauses(command) {
		for _, segment := range SplitPipeline(clause) {
			parsed := ParseBashCommand(segment)
			if parsed.Executable == "" {
				continue
			}

			if egressExecutables[parsed.Executable] {
				hasEgress = true
			}

			joined := strings.Join(parsed.Args, " ")
			if readExecutables[parsed.Executable] || parsed.Executable == "echo" {
				for _, frag := range secretPathFragments {
					if strings.Contains(joined, frag) {
						touchesSecret = true
					}
				}
			}

			// printenv SECRET / env | grep TOKEN style credential lookups
			if parsed.Executable == "printenv" || parsed.Executable == "echo" {
				upper := strings.ToUpper(joined)
				for _, frag := range secretEnvFragments {
					if strings.Contains(upper, frag) {
						hasSecretEnvLookup = true
					}
				}
			}
		}

		// Command substitution smuggling a secret read into another word
		if strings.Contains(clause, "$(") || strings.Contains(clause, "`") {
			for _, frag := range secretPathFragments {
				if strings.Contains(clause, frag) {
					touchesSecret = true
				}
			}
		}
	}

	if hasSecretEnvLookup {
		return &Decision{
			Action: ActionDeny,
			Reason: "reads credential environment variables",
			Layer:  LayerGuardrail,
		}
	}
	if touchesSecret && hasEgress {
		return &Decision{
			Action: ActionDeny,
			Reason: "combines a secret-file read with a network egress tool",
			Layer:  LayerGuardrail,
		}
	}
	if touchesSecret {
		return &Decision{
			Action: ActionDeny,
			Reason: "reads a known credential surface",
			Layer:  LayerGuardrail,
		}
	}
	return nil
}

// normalizeHome rewrites ~/ prefixes so home-anchored patterns match
func normalizeHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		return "/home/owner/" + p[2:]
	}
	return p
}
