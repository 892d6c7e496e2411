package cliutil

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces values that look like credentials.
const RedactedPlaceholder = "[redacted]"

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)(^|_)(` + strings.Join(secretKeys(), "|") + `)$`)
)

func secretKeys() []string {
	keys := []string{
		"PASSWORD",
		"PASSWD",
		"SECRET",
		"TOKEN",
		"API_KEY",
		"ACCESS_KEY",
		"ACCESS_KEY_ID",
		"SECRET_ACCESS_KEY",
		"PRIVATE_KEY",
		"CREDENTIALS",
		"DSN",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// SecretKey reports whether an environment variable name looks like it holds a
// credential, e.g. DB_PASSWORD or GITHUB_TOKEN.
func SecretKey(key string) bool {
	return secretKeyPattern.MatchString(key)
}

// RedactEnv returns the value to print for the environment entry key=value.
// Values of secret-looking keys are masked entirely; any other value keeps its
// text with ${VAR} references masked.
func RedactEnv(key, value string) string {
	if value == "" {
		return value
	}
	if SecretKey(key) {
		return RedactedPlaceholder
	}
	return templateVarPattern.ReplaceAllString(value, "${"+RedactedPlaceholder+"}")
}
