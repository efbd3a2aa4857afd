// Package invite builds and verifies the signed pairing invites the
// owner shows as a QR code. An invite carries everything a fresh
// client needs to reach the server and pair: address, pairing token,
// and the server's TLS fingerprint, all under an Ed25519 signature
// from the server's identity key.
package invite

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Version is the only accepted envelope version. Unsigned v1 invites
// were retired and never verify.
const Version = "v2-signed"

var (
	ErrUnsupportedVersion = errors.New("unsupported invite version")
	ErrBadSignature       = errors.New("invite signature invalid")
	ErrExpired            = errors.New("invite expired")
)

// Payload is the signed body of an invite
type Payload struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"token"`
	Name            string `json:"name"`
	Fingerprint     string `json:"fingerprint"`
	SecurityProfile string `json:"securityProfile"`
}

// Envelope is the wire form of a signed invite. Payload is the
// base64url-encoded JSON body; Sig covers payload, kid, and exp
// together so none of them can be swapped independently.
type Envelope struct {
	Version string `json:"version"`
	Payload string `json:"payload"`
	Sig     string `json:"sig"`
	Kid     string `json:"kid"`
	Exp     int64  `json:"exp"`
}

// KeyID derives the identifier for a public key: the first eight bytes
// of its SHA-256, hex encoded.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func signingInput(payloadB64, kid string, exp int64) []byte {
	return []byte(payloadB64 + "." + kid + "." + strconv.FormatInt(exp, 10))
}

// Create signs a payload with the server identity key, valid for ttl
func Create(priv ed25519.PrivateKey, payload *Payload, ttl time.Duration, now time.Time) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invite payload: %w", err)
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(body)
	kid := KeyID(priv.Public().(ed25519.PublicKey))
	exp := now.Add(ttl).Unix()

	sig := ed25519.Sign(priv, signingInput(payloadB64, kid, exp))
	return &Envelope{
		Version: Version,
		Payload: payloadB64,
		Sig:     base64.RawURLEncoding.EncodeToString(sig),
		Kid:     kid,
		Exp:     exp,
	}, nil
}

// Verify checks an envelope against the server's public key. The
// signature check runs first; expiry is reported only for envelopes
// whose signature is genuine, so a tampered-but-expired invite fails
// with ErrBadSignature, not ErrExpired.
func Verify(env *Envelope, pub ed25519.PublicKey, now time.Time) (*Payload, error) {
	if env.Version != Version {
		return nil, ErrUnsupportedVersion
	}
	if env.Kid != KeyID(pub) {
		return nil, ErrBadSignature
	}

	sig, err := base64.RawURLEncoding.DecodeString(env.Sig)
	if err != nil {
		return nil, ErrBadSignature
	}
	if !ed25519.Verify(pub, signingInput(env.Payload, env.Kid, env.Exp), sig) {
		return nil, ErrBadSignature
	}

	if env.Exp < now.Unix() {
		return nil, ErrExpired
	}

	body, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, ErrBadSignature
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse invite payload: %w", err)
	}
	return &payload, nil
}

// Encode renders an envelope as the compact string embedded in a QR
// code.
func Encode(env *Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode parses a compact invite string back into an envelope
func Decode(s string) (*Envelope, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode invite: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse invite: %w", err)
	}
	return &env, nil
}
