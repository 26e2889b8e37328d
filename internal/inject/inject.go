// Package inject patches the CRM client metadata so every page loads the
// widget script.
package inject

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AppendMarker tells the CRM to merge scriptList with its built-in list
// instead of replacing it.
const AppendMarker = "__APPEND__"

// ErrEmptyScriptURL is returned when there is no script to inject.
var ErrEmptyScriptURL = errors.New("script url is empty")

// ClientConfig is the CRM client metadata document written by Write.
type ClientConfig struct {
	ScriptList []string `json:"scriptList"`
}

// Write creates the parent directory of path if needed and (over)writes path
// with a client config that appends scriptURL to the CRM's script list.
// Writing the same values twice leaves the same file.
func Write(path, scriptURL string) error {
	if scriptURL == "" {
		return ErrEmptyScriptURL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(ClientConfig{ScriptList: []string{AppendMarker, scriptURL}}, "", "    ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("replace client config: %w", err)
	}
	return nil
}

// Read loads a client config previously written to path.
func Read(path string) (ClientConfig, error) {
	var cfg ClientConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse client config: %w", err)
	}
	return cfg, nil
}
