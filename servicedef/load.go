package servicedef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadScript reads a script file. The format is chosen by extension: .yaml or .yml, .toml, or
// .json. The loaded script is normalized.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	script, err := ParseScript(data, filepath.Ext(path))
	if err != nil {
		return Script{}, fmt.Errorf("parse script %s: %w", path, err)
	}
	if script.Name == "" {
		script.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return script, nil
}

// ParseScript decodes a script in the format named by ext.
//
// YAML and TOML documents are first decoded generically and then converted to JSON, so that all
// three formats share the same field names and the same handling of arbitrary params values.
func ParseScript(data []byte, ext string) (Script, error) {
	var jsonData []byte
	switch strings.ToLower(ext) {
	case ".json":
		jsonData = data
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Script{}, err
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return Script{}, err
		}
		jsonData = converted
	case ".toml":
		var raw map[string]interface{}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Script{}, err
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return Script{}, err
		}
		jsonData = converted
	default:
		return Script{}, fmt.Errorf("unsupported script format %q", ext)
	}

	var script Script
	if err := json.Unmarshal(jsonData, &script); err != nil {
		return Script{}, err
	}
	if err := script.Normalize(); err != nil {
		return Script{}, err
	}
	return script, nil
}
