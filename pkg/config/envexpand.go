package config

import (
	"os"
	"regexp"
)

// envVarPattern matches "${VAR_NAME}" placeholders in raw YAML text.
// Secrets are expanded before parsing rather than after, so expansion
// works regardless of which YAML field holds the placeholder.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every "${VAR}" placeholder in raw with the current
// process environment value for VAR. An unset variable expands to the
// empty string, matching shell-style expansion; callers that require a
// secret should validate the expanded config afterward (see validator.go).
func ExpandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// secretFromEnv resolves a secret given the name of the environment
// variable holding it. Returns "" if envVar is empty or unset.
func secretFromEnv(envVar string) string {
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}
