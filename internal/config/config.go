// Package config loads and persists config.json, the server's single
// on-disk configuration file. The file is owner-only (0600, directory
// 0700) because the identity section holds the invite signing key.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HyphaGroup/bastille/internal/logger"
)

// CurrentVersion is the schema version written by this build
const CurrentVersion = 2

// knownTopLevelKeys is the v2 schema surface. Anything else is either
// a legacy field (normalized on load) or unknown.
var knownTopLevelKeys = map[string]bool{
	"configVersion": true,
	"server":        true,
	"security":      true,
	"identity":      true,
	"invite":        true,
	"limits":        true,
}

// legacyKeys are pre-v2 flat fields folded into sections on load
var legacyKeys = map[string]bool{
	"serverName":      true,
	"port":            true,
	"securityProfile": true,
}

// ServerSection holds listener settings
type ServerSection struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	ProxyAddr   string `json:"proxyAddr"`
	DataDir     string `json:"dataDir"`
	LogDir      string `json:"logDir"`
	Credentials string `json:"credentials"`
}

// SecuritySection holds the active policy posture
type SecuritySection struct {
	Profile           string `json:"profile"`
	ApprovalTimeoutMs *int64 `json:"approvalTimeoutMs,omitempty"`
}

// IdentitySection holds the server's Ed25519 identity. PrivateKey is
// the base64 seed; Fingerprint is derived and cached for display.
type IdentitySection struct {
	Name        string `json:"name"`
	PrivateKey  string `json:"privateKey"`
	Fingerprint string `json:"fingerprint"`
}

// InviteSection holds pairing-invite issuance settings
type InviteSection struct {
	TTLSeconds int64 `json:"ttlSeconds"`
}

// LimitsSection holds workspace scheduling limits
type LimitsSection struct {
	MaxSessionsPerWorkspace int   `json:"maxSessionsPerWorkspace"`
	MaxSessionsGlobal       int   `json:"maxSessionsGlobal"`
	IdleTimeoutMinutes      int64 `json:"idleTimeoutMinutes"`
}

// Config is the parsed config.json
type Config struct {
	ConfigVersion int             `json:"configVersion"`
	Server        ServerSection   `json:"server"`
	Security      SecuritySection `json:"security"`
	Identity      IdentitySection `json:"identity"`
	Invite        InviteSection   `json:"invite"`
	Limits        LimitsSection   `json:"limits"`

	// extra carries unknown top-level keys in lenient mode so a
	// rewrite does not silently drop them.
	extra map[string]json.RawMessage

	path string
}

// Default returns a config with every section filled in
func Default(baseDir string) *Config {
	return &Config{
		ConfigVersion: CurrentVersion,
		Server: ServerSection{
			Name:        "bastille",
			Address:     ":8443",
			ProxyAddr:   "127.0.0.1:8444",
			DataDir:     filepath.Join(baseDir, "data"),
			LogDir:      filepath.Join(baseDir, "logs"),
			Credentials: filepath.Join(baseDir, "auth.json"),
		},
		Security: SecuritySection{Profile: "standard"},
		Invite:   InviteSection{TTLSeconds: 900},
		Limits: LimitsSection{
			MaxSessionsPerWorkspace: 4,
			MaxSessionsGlobal:       12,
			IdleTimeoutMinutes:      30,
		},
	}
}

// Load reads config.json at path. A missing file yields defaults and
// is written out. Legacy files without configVersion are normalized to
// v2 and rewritten. In strict mode unknown top-level keys are an
// error; in lenient mode they are preserved and warned about.
func Load(path string, strict bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default(filepath.Dir(path))
		cfg.path = path
		if err := cfg.ensureIdentity(); err != nil {
			return nil, err
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	legacy := raw["configVersion"] == nil

	extra := make(map[string]json.RawMessage)
	for key, val := range raw {
		if knownTopLevelKeys[key] {
			continue
		}
		if legacy && legacyKeys[key] {
			continue
		}
		if strict {
			return nil, fmt.Errorf("unknown config key %q", key)
		}
		logger.Info("Config: preserving unknown key %q", key)
		extra[key] = val
	}

	cfg := Default(filepath.Dir(path))
	cfg.path = path
	cfg.extra = extra

	if legacy {
		if err := cfg.applyLegacy(raw); err != nil {
			return nil, err
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ConfigVersion = CurrentVersion

	changed, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if legacy || changed {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyLegacy folds pre-v2 flat fields into their sections
func (c *Config) applyLegacy(raw map[string]json.RawMessage) error {
	if v, ok := raw["serverName"]; ok {
		if err := json.Unmarshal(v, &c.Server.Name); err != nil {
			return fmt.Errorf("parse legacy serverName: %w", err)
		}
	}
	if v, ok := raw["port"]; ok {
		var port int
		if err := json.Unmarshal(v, &port); err != nil {
			return fmt.Errorf("parse legacy port: %w", err)
		}
		c.Server.Address = fmt.Sprintf(":%d", port)
	}
	if v, ok := raw["securityProfile"]; ok {
		if err := json.Unmarshal(v, &c.Security.Profile); err != nil {
			return fmt.Errorf("parse legacy securityProfile: %w", err)
		}
	}
	logger.Info("Config: normalized legacy file to configVersion %d", CurrentVersion)
	return nil
}

// normalize fills derived and missing fields, reporting whether the
// file needs rewriting.
func (c *Config) normalize() (bool, error) {
	changed := false
	if c.Security.Profile == "" {
		c.Security.Profile = "standard"
		changed = true
	}
	if c.Identity.PrivateKey == "" {
		if err := c.ensureIdentity(); err != nil {
			return false, err
		}
		changed = true
	} else if c.Identity.Fingerprint == "" {
		priv, err := c.IdentityKey()
		if err != nil {
			return false, err
		}
		c.Identity.Fingerprint = Fingerprint(priv.Public().(ed25519.PublicKey))
		changed = true
	}
	return changed, nil
}

func (c *Config) ensureIdentity() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}
	c.Identity.PrivateKey = base64.StdEncoding.EncodeToString(priv.Seed())
	c.Identity.Fingerprint = Fingerprint(pub)
	if c.Identity.Name == "" {
		c.Identity.Name = c.Server.Name
	}
	return nil
}

// IdentityKey decodes the stored signing key
func (c *Config) IdentityKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(c.Identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity key corrupt: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity key corrupt: seed is %d bytes", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Fingerprint renders a public key for display and invites
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

// Save writes the config atomically with owner-only modes
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	out := make(map[string]json.RawMessage, len(c.extra)+6)
	for key, val := range c.extra {
		out[key] = val
	}
	base, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(base, &known); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	for key, val := range known {
		out[key] = val
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Path returns where the config was loaded from
func (c *Config) Path() string {
	return c.path
}
