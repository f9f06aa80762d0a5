package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const maxIdentifierLen = 128

var (
	// identifierRegex matches session, thread and crew identifiers
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

	// crewNameRegex matches crew names: lowercase words joined by dash or underscore
	crewNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	// SafePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

func validateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(id) > maxIdentifierLen {
		return fmt.Errorf("%s longer than %d characters", kind, maxIdentifierLen)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format: %q", kind, id)
	}
	return nil
}

// ValidateSessionID validates a session ID such as sess_1a2b3c4d
func ValidateSessionID(id string) error {
	return validateIdentifier("session ID", id)
}

// ValidateThreadID validates a checkpoint thread ID
func ValidateThreadID(id string) error {
	return validateIdentifier("thread ID", id)
}

// ValidateCrewName validates a crew name
func ValidateCrewName(name string) error {
	if name == "" {
		return fmt.Errorf("crew name cannot be empty")
	}
	if len(name) > maxIdentifierLen || !crewNameRegex.MatchString(name) {
		return fmt.Errorf("invalid crew name: %q", name)
	}
	return nil
}

// ValidateNamespace validates a memory namespace path. Labels must be
// non-empty printable text.
func ValidateNamespace(namespace []string) error {
	if len(namespace) == 0 {
		return fmt.Errorf("namespace cannot be empty")
	}
	for i, label := range namespace {
		if label == "" {
			return fmt.Errorf("namespace label %d is empty", i)
		}
		if len(label) > maxIdentifierLen {
			return fmt.Errorf("namespace label %d longer than %d characters", i, maxIdentifierLen)
		}
		if strings.IndexFunc(label, unicode.IsControl) >= 0 {
			return fmt.Errorf("namespace label %q contains control characters", label)
		}
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}
