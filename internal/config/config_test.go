package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func configPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func TestLoadCreatesDefaults(t *testing.T) {
	path := configPath(t)

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConfigVersion != CurrentVersion {
		t.Errorf("configVersion = %d", cfg.ConfigVersion)
	}
	if cfg.Security.Profile != "standard" {
		t.Errorf("profile = %q", cfg.Security.Profile)
	}
	if cfg.Identity.PrivateKey == "" || cfg.Identity.Fingerprint == "" {
		t.Error("identity not generated")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %o, want 600", info.Mode().Perm())
	}
}

func TestLoadRoundTripsIdentity(t *testing.T) {
	path := configPath(t)

	first, err := Load(path, true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if first.Identity.PrivateKey != second.Identity.PrivateKey {
		t.Error("identity key regenerated on reload")
	}

	priv, err := second.IdentityKey()
	if err != nil {
		t.Fatalf("IdentityKey() error = %v", err)
	}
	if len(priv) == 0 {
		t.Error("empty key")
	}
}

func TestLoadNormalizesLegacy(t *testing.T) {
	path := configPath(t)
	legacy := `{"serverName": "old-name", "port": 9000, "securityProfile": "strict"}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConfigVersion != CurrentVersion {
		t.Errorf("configVersion = %d, want %d", cfg.ConfigVersion, CurrentVersion)
	}
	if cfg.Server.Name != "old-name" {
		t.Errorf("server name = %q", cfg.Server.Name)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Security.Profile != "strict" {
		t.Errorf("profile = %q", cfg.Security.Profile)
	}

	// File was rewritten as v2
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["configVersion"]) != "2" {
		t.Errorf("rewritten configVersion = %s", raw["configVersion"])
	}
	if raw["serverName"] != nil {
		t.Error("legacy flat key survived the rewrite")
	}
}

func TestLoadStrictRejectsUnknownKeys(t *testing.T) {
	path := configPath(t)
	body := `{"configVersion": 2, "security": {"profile": "standard"}, "experiments": {"x": 1}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path, true)
	if err == nil || !strings.Contains(err.Error(), "experiments") {
		t.Errorf("Load() error = %v, want unknown-key rejection", err)
	}
}

func TestLoadLenientPreservesUnknownKeys(t *testing.T) {
	path := configPath(t)
	body := `{"configVersion": 2, "security": {"profile": "relaxed"}, "experiments": {"x": 1}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.Profile != "relaxed" {
		t.Errorf("profile = %q", cfg.Security.Profile)
	}

	// Unknown key survives a save
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["experiments"] == nil {
		t.Error("unknown key dropped on rewrite")
	}
}

func TestIdentityKeyCorrupt(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Identity.PrivateKey = "not-base64!!"
	if _, err := cfg.IdentityKey(); err == nil {
		t.Error("IdentityKey() accepted garbage")
	}

	cfg.Identity.PrivateKey = "c2hvcnQ=" // valid base64, wrong length
	if _, err := cfg.IdentityKey(); err == nil {
		t.Error("IdentityKey() accepted short seed")
	}
}
