package utils

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Size limits (in bytes)
const (
	MaxScriptSize   = 4 * 1024 * 1024 // 4MB - largest object script accepted
	MaxArgumentSize = 1 * 1024 * 1024 // 1MB - single web argument or POST body
	MaxJSONDepth    = 32
)

// String length limits
const (
	MaxUserLength     = 128
	MaxFunctionLength = 256
	MaxPathLength     = 1024
)

// Regular expressions for validation
var (
	// FunctionNamePattern matches guest identifiers
	FunctionNamePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
	// UserPattern allows alphanumeric, dots, hyphens, underscores and @
	UserPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Null bytes never reach the guest
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateFunctionName validates a guest function name
func ValidateFunctionName(name string) error {
	if err := ValidateString(name, "method", 1, MaxFunctionLength, true); err != nil {
		return err
	}
	if !FunctionNamePattern.MatchString(name) {
		return fmt.Errorf("method %q is not a valid function name", name)
	}
	return nil
}

// ValidateUser validates the user a request acts for
func ValidateUser(user string) error {
	if err := ValidateString(user, "user", 1, MaxUserLength, true); err != nil {
		return err
	}
	if !UserPattern.MatchString(user) {
		return fmt.Errorf("user contains invalid characters")
	}
	return nil
}

// CleanObjectPath normalizes a virtual object path to "/a/b" form and
// rejects paths that escape the root.
func CleanObjectPath(p string) (string, error) {
	if err := ValidateString(p, "path", 1, MaxPathLength, true); err != nil {
		return "", err
	}
	for _, part := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if part == ".." {
			return "", fmt.Errorf("path %q escapes the object root", p)
		}
	}
	cleaned := path.Clean("/" + strings.TrimLeft(p, "/"))
	if cleaned == "/" {
		return "", fmt.Errorf("path %q names the object root", p)
	}
	return cleaned, nil
}

// ValidateArgument checks the size of a raw web argument
func ValidateArgument(name, value string) error {
	if len(value) > MaxArgumentSize {
		return fmt.Errorf("argument %s size %d bytes exceeds maximum %d bytes", name, len(value), MaxArgumentSize)
	}
	return nil
}

// DecodeJSON parses a JSON document and enforces the nesting limit
func DecodeJSON(data string) (interface{}, error) {
	if len(data) > MaxArgumentSize {
		return nil, fmt.Errorf("JSON size %d bytes exceeds maximum %d bytes", len(data), MaxArgumentSize)
	}
	var v interface{}
	if err := sonic.ConfigStd.UnmarshalFromString(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := ValidateJSONDepth(v, MaxJSONDepth); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateJSONDepth checks if JSON nesting depth is within limits
func ValidateJSONDepth(data interface{}, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data interface{}, currentDepth int, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]interface{}:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}

	return nil
}
