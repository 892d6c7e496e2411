package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	preforkschema "github.com/Paintersrp/prefork/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

func loadManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(preforkschema.V1Name, bytes.NewReader(preforkschema.V1)); err != nil {
			schemaErr = fmt.Errorf("add prefork schema resource: %w", err)
			return
		}
		manifestSchema, schemaErr = compiler.Compile(preforkschema.V1Name)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile prefork schema: %w", schemaErr)
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return manifestSchema, nil
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := loadManifestSchema()
	if err != nil {
		return fmt.Errorf("load prefork schema: %w", err)
	}
	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare manifest for schema validation: %w", err)
	}

	err = schema.Validate(normalized)
	var vErr *jsonschema.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &vErr):
		return fmt.Errorf("schema validation failed:\n%s", formatValidationError(vErr))
	default:
		return fmt.Errorf("schema validation failed: %w", err)
	}
}

// normalizeForSchema round-trips the YAML tree through JSON so numbers reach
// the validator as json.Number.
func normalizeForSchema(doc map[string]any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

type fieldError struct {
	field   string
	message string
}

var unknownFieldsPattern = regexp.MustCompile(`^additionalProperties (.+) not allowed$`)

// formatValidationError renders one line per offending manifest field,
// ordered by field name.
func formatValidationError(err *jsonschema.ValidationError) string {
	var fields []fieldError
	collectFieldErrors(err, &fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].field < fields[j].field })

	var b strings.Builder
	seen := make(map[fieldError]bool, len(fields))
	for _, fe := range fields {
		if seen[fe] {
			continue
		}
		seen[fe] = true
		fmt.Fprintf(&b, "- %s: %s\n", fe.field, fe.message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// collectFieldErrors keeps the leaves of the cause tree; inner nodes only
// summarise their causes.
func collectFieldErrors(err *jsonschema.ValidationError, out *[]fieldError) {
	if len(err.Causes) > 0 {
		for _, cause := range err.Causes {
			collectFieldErrors(cause, out)
		}
		return
	}
	location := formatInstanceLocation(err.InstanceLocation)
	if m := unknownFieldsPattern.FindStringSubmatch(err.Message); m != nil {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.Trim(strings.TrimSpace(name), "'")
			field := name
			if location != "manifest" {
				field = location + "." + name
			}
			*out = append(*out, fieldError{field: field, message: "unknown field"})
		}
		return
	}
	*out = append(*out, fieldError{field: location, message: err.Message})
}

// formatInstanceLocation turns a JSON pointer into the dotted field path used
// in prefork.yaml, e.g. /command/0 becomes command[0].
func formatInstanceLocation(ptr string) string {
	segments := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	var b strings.Builder
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		decoded := strings.NewReplacer("~1", "/", "~0", "~").Replace(segment)
		if _, err := strconv.Atoi(decoded); err == nil {
			fmt.Fprintf(&b, "[%s]", decoded)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(decoded)
	}
	if b.Len() == 0 {
		return "manifest"
	}
	return b.String()
}
