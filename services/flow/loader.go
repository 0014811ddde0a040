package flow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a flow definition from a .yaml, .yml or .json file.
func LoadFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a flow definition. ext selects the format; anything other
// than ".json" is read as YAML.
func Parse(data []byte, ext string) (*Flow, error) {
	var f Flow
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse flow json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse flow yaml: %w", err)
		}
	}
	f.DeriveEntryNode()
	return &f, nil
}
