package validation

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// session IDs have format sess_<uuid>
	sessionRegex = regexp.MustCompile(`^sess_[0-9a-fA-F-]{36}$`)
)

// ValidateUUID checks if the string is a valid UUID
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a session ID (sess_<uuid> or bare UUID)
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if strings.HasPrefix(id, "sess_") {
		if !sessionRegex.MatchString(id) {
			return fmt.Errorf("invalid session ID format: %s", id)
		}
		return nil
	}
	return ValidateUUID(id)
}

// ValidateWorkspaceID validates a workspace ID
func ValidateWorkspaceID(id string) error {
	return ValidateUUID(id)
}

// SanitizePath rejects traversal attempts and absolute paths in
// client-supplied relative paths
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute path not allowed: %s", path)
	}
	return path, nil
}
