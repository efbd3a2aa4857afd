package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/HyphaGroup/bastille/internal/logger"
)

// Credential is one provider's stored OAuth material, as read from the
// credentials file. Expires is Unix milliseconds; zero means no expiry.
type Credential struct {
	Type      string `json:"type"`
	Access    string `json:"access"`
	Refresh   string `json:"refresh,omitempty"`
	Expires   int64  `json:"expires,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// Expired reports whether the credential's access token is past its
// expiry at the given instant.
func (c *Credential) Expired(now time.Time) bool {
	return c.Expires > 0 && now.UnixMilli() >= c.Expires
}

func loadCredentials(path string) (map[string]*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds := make(map[string]*Credential)
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds, nil
}

// ReloadAuth re-reads the credentials file and swaps the in-memory set
// atomically. A parse or read failure keeps the previous set.
func (p *Proxy) ReloadAuth() error {
	creds, err := loadCredentials(p.credPath)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	logger.Info("Auth proxy credentials reloaded (%d providers)", len(creds))
	return nil
}

func (p *Proxy) credential(provider string) *Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.creds[provider]
}
