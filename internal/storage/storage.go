// Package storage persists session and workspace records as one JSON
// file per record under the data directory. Writes are atomic
// (tmp + rename) so a crash never leaves a half-written record.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HyphaGroup/bastille/internal/session"
	"github.com/HyphaGroup/bastille/internal/validation"
	"github.com/HyphaGroup/bastille/internal/workspace"
)

var ErrNotFound = errors.New("record not found")

// FileStore is the on-disk record store. All files are owner-only.
type FileStore struct {
	sessionsDir   string
	workspacesDir string
}

// NewFileStore creates the store, making both record directories
func NewFileStore(dataDir string) (*FileStore, error) {
	s := &FileStore{
		sessionsDir:   filepath.Join(dataDir, "sessions"),
		workspacesDir: filepath.Join(dataDir, "workspaces"),
	}
	for _, dir := range []string{s.sessionsDir, s.workspacesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func readRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SaveSession persists one session record
func (s *FileStore) SaveSession(sess *session.Session) error {
	if err := validation.ValidateSessionID(sess.ID); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.sessionsDir, sess.ID+".json"), sess)
}

// DeleteSession removes a session record; deleting a missing record is
// not an error.
func (s *FileStore) DeleteSession(id string) error {
	if err := validation.ValidateSessionID(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.sessionsDir, id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadSessions reads every persisted session record, skipping files
// that fail to parse.
func (s *FileStore) LoadSessions() ([]*session.Session, error) {
	return loadAll[session.Session](s.sessionsDir)
}

// SaveWorkspace persists one workspace record
func (s *FileStore) SaveWorkspace(ws *workspace.Workspace) error {
	if err := validation.ValidateWorkspaceID(ws.ID); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.workspacesDir, ws.ID+".json"), ws)
}

// GetWorkspace reads one workspace record
func (s *FileStore) GetWorkspace(id string) (*workspace.Workspace, error) {
	if err := validation.ValidateWorkspaceID(id); err != nil {
		return nil, err
	}
	var ws workspace.Workspace
	if err := readRecord(filepath.Join(s.workspacesDir, id+".json"), &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// DeleteWorkspace removes a workspace record
func (s *FileStore) DeleteWorkspace(id string) error {
	if err := validation.ValidateWorkspaceID(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.workspacesDir, id+".json"))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// LoadWorkspaces reads every persisted workspace record
func (s *FileStore) LoadWorkspaces() ([]*workspace.Workspace, error) {
	return loadAll[workspace.Workspace](s.workspacesDir)
}

func loadAll[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var records []*T
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var rec T
		if err := readRecord(filepath.Join(dir, entry.Name()), &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}
