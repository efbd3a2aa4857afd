// Package auth owns the server's bearer tokens: the owner token used by
// local tooling, long-lived device tokens minted through pairing, and
// the short-lived pairing tokens embedded in invites.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Token prefixes. Every stored token is prefix + 160 random bits hex.
const (
	OwnerTokenPrefix   = "sk_"
	DeviceTokenPrefix  = "dt_"
	PairingTokenPrefix = "pt_"
)

const tokenRandomBytes = 20

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidToken  = errors.New("invalid token format")
)

// Token kinds as stored
const (
	KindOwner   = "owner"
	KindDevice  = "device"
	KindPairing = "pairing"
)

// Token is one stored bearer credential
type Token struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Store handles token persistence
type Store struct {
	db *sql.DB
}

// NewStore creates the auth store with its SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: sqlite has one writer anyway, and this keeps a
	// last-used update from ever contending with the next validation
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tokens_kind ON tokens(kind);
	CREATE TABLE IF NOT EXISTS push_tokens (
		token TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

func (s *Store) insertToken(prefix, kind, name string, expiresAt *time.Time) (*Token, error) {
	id, err := randomToken(prefix)
	if err != nil {
		return nil, err
	}

	token := &Token{
		ID:        id,
		Kind:      kind,
		Name:      name,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	_, err = s.db.Exec(
		`INSERT INTO tokens (id, kind, name, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.Kind, token.Name, token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert token: %w", err)
	}
	return token, nil
}

// CreateDeviceToken mints a long-lived device token for a paired client
func (s *Store) CreateDeviceToken(deviceName string) (*Token, error) {
	return s.insertToken(DeviceTokenPrefix, KindDevice, deviceName, nil)
}

// CreatePairingToken mints a short-lived single-use pairing token. It is
// the token embedded in an invite and consumed by POST /pair.
func (s *Store) CreatePairingToken(ttl time.Duration) (*Token, error) {
	expires := time.Now().Add(ttl)
	return s.insertToken(PairingTokenPrefix, KindPairing, "pairing", &expires)
}

// ExchangePairingToken consumes a pairing token and issues a device
// token. The pairing token is deleted whether or not it had already
// expired, so replay always fails.
func (s *Store) ExchangePairingToken(pairingToken, deviceName string) (*Token, error) {
	token, err := s.lookup(pairingToken)
	if err != nil {
		return nil, err
	}
	if token.Kind != KindPairing {
		return nil, ErrTokenNotFound
	}

	// Single use
	if _, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, pairingToken); err != nil {
		return nil, fmt.Errorf("failed to consume pairing token: %w", err)
	}

	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return s.CreateDeviceToken(deviceName)
}

// RotateToken issues a fresh owner token. Earlier owner tokens remain
// valid until revoked explicitly; rotation is issuance, not revocation,
// so tooling holding the previous token keeps working until the owner
// cleans it up.
func (s *Store) RotateToken() (*Token, error) {
	return s.insertToken(OwnerTokenPrefix, KindOwner, "owner", nil)
}

// OwnerToken returns the most recently issued owner token, or
// ErrTokenNotFound when none has been created yet.
func (s *Store) OwnerToken() (*Token, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, name, created_at, last_used_at, expires_at FROM tokens WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		KindOwner,
	)
	return scanToken(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var token Token
	var lastUsedAt, expiresAt sql.NullTime

	err := row.Scan(&token.ID, &token.Kind, &token.Name, &token.CreatedAt, &lastUsedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	if lastUsedAt.Valid {
		token.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	return &token, nil
}

func (s *Store) lookup(tokenID string) (*Token, error) {
	if tokenID == "" {
		return nil, ErrInvalidToken
	}
	row := s.db.QueryRow(
		`SELECT id, kind, name, created_at, last_used_at, expires_at FROM tokens WHERE id = ?`,
		tokenID,
	)
	return scanToken(row)
}

// ValidateToken validates an owner or device token and returns its
// details. Pairing tokens are not bearer credentials and never
// validate here.
func (s *Store) ValidateToken(tokenID string) (*Token, error) {
	token, err := s.lookup(tokenID)
	if err != nil {
		return nil, err
	}
	if token.Kind == KindPairing {
		return nil, ErrTokenNotFound
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	s.updateLastUsed(tokenID)
	return token, nil
}

func (s *Store) updateLastUsed(tokenID string) {
	_, _ = s.db.Exec(`UPDATE tokens SET last_used_at = ? WHERE id = ?`, time.Now(), tokenID)
}

// ListTokens returns all stored tokens, newest first
func (s *Store) ListTokens() ([]*Token, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, name, created_at, last_used_at, expires_at FROM tokens ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes a token
func (s *Store) RevokeToken(tokenID string) error {
	result, err := s.db.Exec(`DELETE FROM tokens WHERE id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// RegisterPushToken stores a push-notification registration. Saving an
// existing token refreshes it.
func (s *Store) RegisterPushToken(token, platform string) error {
	if token == "" {
		return ErrInvalidToken
	}
	_, err := s.db.Exec(
		`INSERT INTO push_tokens (token, platform, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET platform = excluded.platform`,
		token, platform, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to register push token: %w", err)
	}
	return nil
}

// RemovePushToken deletes a push-notification registration
func (s *Store) RemovePushToken(token string) error {
	result, err := s.db.Exec(`DELETE FROM push_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to remove push token: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListPushTokens returns all registered push tokens
func (s *Store) ListPushTokens() ([]string, error) {
	rows, err := s.db.Query(`SELECT token FROM push_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// StreamValidator adapts the store to the WebSocket handshake's
// token-validation interface.
type StreamValidator struct {
	Store *Store
}

func (v StreamValidator) ValidateToken(token string) (string, bool) {
	t, err := v.Store.ValidateToken(token)
	if err != nil {
		return "", false
	}
	return t.Name, true
}
