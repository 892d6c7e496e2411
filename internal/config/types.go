package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// ErrInvalid marks a manifest that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// PINPlaceholder is replaced with the worker PIN in command arguments.
const PINPlaceholder = "{pin}"

// Manifest mirrors the prefork.yaml document structure.
type Manifest struct {
	Workers        int               `yaml:"workers" json:"workers"`
	Daemon         bool              `yaml:"daemon" json:"daemon"`
	Debug          bool              `yaml:"debug" json:"debug"`
	NormalExitCode int               `yaml:"normalExitCode" json:"normalExitCode"`
	LockFile       string            `yaml:"lockFile" json:"lockFile,omitempty"`
	LogFile        string            `yaml:"logFile" json:"logFile,omitempty"`
	LogFormat      string            `yaml:"logFormat" json:"logFormat,omitempty"`
	Syslog         *bool             `yaml:"syslog" json:"syslog,omitempty"`
	SyslogTag      string            `yaml:"syslogTag" json:"syslogTag,omitempty"`
	MetricsFile    string            `yaml:"metricsFile" json:"metricsFile,omitempty"`
	Command        []string          `yaml:"command" json:"command,omitempty"`
	Env            map[string]string `yaml:"env" json:"env,omitempty"`
	Workdir        string            `yaml:"workdir" json:"workdir,omitempty"`

	// Path is the absolute location the manifest was read from, if any.
	Path string `yaml:"-" json:"-"`
}

const (
	DefaultWorkers   = 1
	DefaultLogFormat = "auto"
	DefaultSyslogTag = "prefork"
)

// Default returns a manifest with every default applied, used when no file
// is present.
func Default() *Manifest {
	m := &Manifest{}
	m.ApplyDefaults()
	return m
}

// ApplyDefaults fills unset fields.
func (m *Manifest) ApplyDefaults() {
	if m.Workers == 0 {
		m.Workers = DefaultWorkers
	}
	if m.LogFormat == "" {
		m.LogFormat = DefaultLogFormat
	}
	if m.SyslogTag == "" {
		m.SyslogTag = DefaultSyslogTag
	}
	if m.Syslog == nil {
		enabled := true
		m.Syslog = &enabled
	}
}

// SyslogEnabled reports whether log records are also sent to syslog.
func (m *Manifest) SyslogEnabled() bool {
	return m.Syslog == nil || *m.Syslog
}

// Foreground reports whether the master stays attached to the terminal.
func (m *Manifest) Foreground() bool {
	return !m.Daemon || m.Debug
}

// Args returns the configured command with the PIN placeholder substituted.
func (m *Manifest) Args(pin int) []string {
	if len(m.Command) == 0 {
		return nil
	}
	value := strconv.Itoa(pin)
	out := make([]string, len(m.Command))
	for i, arg := range m.Command {
		out[i] = strings.ReplaceAll(arg, PINPlaceholder, value)
	}
	return out
}

// Environ returns base extended with the manifest env, later keys winning.
func (m *Manifest) Environ(base []string) []string {
	if len(m.Env) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(m.Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := m.Env[key]; override {
			continue
		}
		out = append(out, kv)
	}
	for _, key := range sortedKeys(m.Env) {
		out = append(out, key+"="+m.Env[key])
	}
	return out
}

// ExpandEnv resolves ${VAR} references in string fields.
func (m *Manifest) ExpandEnv() {
	m.LockFile = os.ExpandEnv(m.LockFile)
	m.LogFile = os.ExpandEnv(m.LogFile)
	m.MetricsFile = os.ExpandEnv(m.MetricsFile)
	m.Workdir = os.ExpandEnv(m.Workdir)
	m.SyslogTag = os.ExpandEnv(m.SyslogTag)
	for i, arg := range m.Command {
		m.Command[i] = os.ExpandEnv(arg)
	}
	for k, v := range m.Env {
		m.Env[k] = os.ExpandEnv(v)
	}
}
