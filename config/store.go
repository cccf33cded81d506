package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileServerStore persists server settings as a JSON file. A missing
// file loads as the defaults so first runs need no setup step.
type FileServerStore struct {
	Path string
}

func (s FileServerStore) Load() (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadJSON(s.Path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (s FileServerStore) Save(cfg ServerConfig) error {
	return saveJSON(s.Path, cfg)
}

// FileClientStore persists client settings as a JSON file.
type FileClientStore struct {
	Path string
}

func (s FileClientStore) Load() (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadJSON(s.Path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (s FileClientStore) Save(cfg ClientConfig) error {
	return saveJSON(s.Path, cfg)
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating settings directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
