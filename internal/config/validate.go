package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Paintersrp/prefork/internal/logging"
)

// Validate performs the semantic checks the schema cannot express.
func (m *Manifest) Validate() error {
	if m.Workers < 1 {
		return invalid("workers", "must be at least 1, got %d", m.Workers)
	}
	if m.NormalExitCode < 0 || m.NormalExitCode > 255 {
		return invalid("normalExitCode", "must be between 0 and 255, got %d", m.NormalExitCode)
	}
	if !logging.ValidFormat(m.LogFormat) {
		return invalid("logFormat", "unsupported format %q (expected auto, text or json)", m.LogFormat)
	}
	for field, path := range map[string]string{"lockFile": m.LockFile, "logFile": m.LogFile, "metricsFile": m.MetricsFile} {
		if path == "" {
			continue
		}
		if strings.HasSuffix(path, string(filepath.Separator)) {
			return invalid(field, "must name a file, got directory %q", path)
		}
	}
	for i, arg := range m.Command {
		if i == 0 && strings.TrimSpace(arg) == "" {
			return invalid("command[0]", "must not be empty")
		}
	}
	for _, key := range sortedKeys(m.Env) {
		if key == "" || strings.ContainsAny(key, "= ") {
			return invalid("env", "invalid variable name %q", key)
		}
		if strings.HasPrefix(key, "PREFORK_") {
			return invalid("env."+key, "the PREFORK_ prefix is reserved")
		}
	}
	if m.Daemon && !m.Debug && m.LockFile == "" {
		// A detached master is otherwise unreachable for stop and status.
		return invalid("lockFile", "required when daemon is enabled")
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...))
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
