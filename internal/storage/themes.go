package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var themeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ThemeStore persists client display themes as opaque JSON documents
type ThemeStore struct {
	dir string
}

// NewThemeStore creates the theme directory
func NewThemeStore(dataDir string) (*ThemeStore, error) {
	dir := filepath.Join(dataDir, "themes")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	return &ThemeStore{dir: dir}, nil
}

func validateThemeName(name string) error {
	if !themeNameRegex.MatchString(name) {
		return fmt.Errorf("invalid theme name %q", name)
	}
	return nil
}

// Save stores a theme document, validating it is well-formed JSON
func (t *ThemeStore) Save(name string, body json.RawMessage) error {
	if err := validateThemeName(name); err != nil {
		return err
	}
	if !json.Valid(body) {
		return fmt.Errorf("theme body is not valid JSON")
	}
	return writeAtomic(filepath.Join(t.dir, name+".json"), body)
}

// Get returns one theme document
func (t *ThemeStore) Get(name string) (json.RawMessage, error) {
	if err := validateThemeName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(t.dir, name+".json"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete removes a theme
func (t *ThemeStore) Delete(name string) error {
	if err := validateThemeName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(t.dir, name+".json"))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// List returns the stored theme names, sorted by the directory order
func (t *ThemeStore) List() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}
