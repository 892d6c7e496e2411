package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the manifest looked up when none is named explicitly.
const DefaultPath = "prefork.yaml"

// Load reads a manifest from the provided path.
func Load(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	doc, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	doc.Path = absPath
	return doc, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist and was not requested explicitly.
func LoadOrDefault(path string, explicit bool) (*Manifest, error) {
	if path == "" {
		path = DefaultPath
	}
	doc, err := Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return doc, err
}

// Parse decodes and validates a manifest. Relative paths are resolved against
// baseDir.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalid, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Manifest
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalid, err)
	}

	doc.ExpandEnv()
	doc.Workdir = resolvePath(baseDir, doc.Workdir)
	doc.LockFile = resolvePath(baseDir, doc.LockFile)
	doc.LogFile = resolvePath(baseDir, doc.LogFile)
	doc.MetricsFile = resolvePath(baseDir, doc.MetricsFile)

	doc.ApplyDefaults()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func resolvePath(base, path string) string {
	if path == "" || base == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(base, path))
}
