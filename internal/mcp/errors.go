package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/crewflow/internal/auth"
	"github.com/HyphaGroup/crewflow/internal/crew"
	"github.com/HyphaGroup/crewflow/internal/logger"
)

// ErrUnknownAction is wrapped by errors for missing or unsupported tool
// actions.
var ErrUnknownAction = errors.New("unknown action")

func actionError(tool, action string, valid []string) error {
	return fmt.Errorf("%w %q for %s tool; valid actions: %s", ErrUnknownAction, action, tool, strings.Join(valid, ", "))
}

func missingActionError(tool string, valid []string) error {
	return fmt.Errorf("%w: action parameter is required for %s tool; valid actions: %s", ErrUnknownAction, tool, strings.Join(valid, ", "))
}

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	auth.TokenPrefix,
	"api_key",
	"password",
	"secret",
	"credential",
}

// internalErrorPatterns contains substrings that indicate internal errors
var internalErrorPatterns = []string{
	"database is locked",
	"sql:",
	"sqlite",
	"no such file",
	"permission denied",
	"connection refused",
	"EOF",
}

// SanitizeError returns a client-safe error message.
// Internal details are logged but not exposed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: internal configuration error", operation)
		}
	}

	// Crew configuration problems are the caller's to fix.
	var cfgErr *crew.ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}

	for _, pattern := range internalErrorPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	if isUserFacingError(errStr) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(errStr))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(errStr string) bool {
	userFacingPatterns := []string{
		"not found",
		"already exists",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"is not",
		"not permitted",
		"not authorized",
		"bound to another crew",
		"maximum sessions",
		"unknown",
		"limit",
	}

	lower := strings.ToLower(errStr)
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}
