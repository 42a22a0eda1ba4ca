package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML selects the format by file extension; everything else is JSON.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON rewrites a YAML config as JSON so both formats go through the
// same strict decoder. The file must hold exactly one document whose root is
// a mapping.
func yamlToJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		return nil, errors.New("yaml: config must be a single document")
	}

	root, ok := stringKeys(doc).(map[string]any)
	if !ok {
		if doc == nil {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("yaml: config root must be a mapping, got %T", doc)
	}
	out, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("yaml: re-encode as json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites non-string mapping keys, e.g. provider names that
// parse as numbers, into their string form.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	}
	return in
}
