package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoConfigFile is returned by Find when a directory has no engine config
// file.
var ErrNoConfigFile = errors.New("config: no config file found")

// Sections are the top-level keys an engine config file may contain.
var Sections = []string{"external", "session", "store", "transport"}

// FileNames are the config file names Find looks for, in order.
var FileNames = []string{"flowengine.yaml", "flowengine.yml", "flowengine.json"}

// FromFile reads an engine config file. The format follows the extension:
// .yaml, .yml or .json. Top-level keys outside Sections are rejected, so a
// misspelled section fails instead of silently falling back to defaults.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("yaml", "yml" or "json", with or
// without a leading dot) and checks its sections.
func Parse(format string, data []byte) (Config, error) {
	var m map[string]any
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return Config{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format: %q", format)
	}

	for key := range m {
		section, _, _ := strings.Cut(key, ".")
		if !slices.Contains(Sections, strings.ToLower(section)) {
			return Config{}, fmt.Errorf("unknown config section %q, want one of %v", key, Sections)
		}
	}
	return New(m), nil
}

// Find returns the first of FileNames present in dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		switch {
		case err == nil && !info.IsDir():
			return path, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return "", ErrNoConfigFile
}

// LoadFile reads path and validates the engine settings it describes, with
// defaults for everything the file omits.
func LoadFile(path string) (Config, EngineSettings, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return Config{}, EngineSettings{}, err
	}
	settings, err := Engine(cfg)
	if err != nil {
		return Config{}, EngineSettings{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, settings, nil
}
