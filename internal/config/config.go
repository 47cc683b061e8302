// Copyright 2024 BranchOrigin Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config locates the branchorigin configuration directory and loads
// its settings.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"branchorigin/internal/artifacts"
)

// EnvConfigDir overrides the configuration directory.
const EnvConfigDir = "BRANCHORIGIN_CONFIG_DIR"

// getConfigDir returns the config directory path.
// Uses BRANCHORIGIN_CONFIG_DIR env var if set, otherwise defaults to ~/.branchorigin.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".branchorigin")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// CopySourcesDir returns the directory holding one store file per project
func CopySourcesDir() string {
	return filepath.Join(getConfigDir(), "copy_sources")
}

// LocationHash returns a stable identifier for the project at projectPath.
// The path is made absolute first, so "." and its absolute form agree.
func LocationHash(projectPath string) (string, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project path: %w", err)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String(), nil
}

// StorePath returns the store file of the project at projectPath
func StorePath(projectPath string) (string, error) {
	hash, err := LocationHash(projectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(CopySourcesDir(), hash+".db"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory with a default settings file
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(CopySourcesDir(), 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Settings represents the global settings
type Settings struct {
	LogLevel    string `yaml:"log_level"`    // Log level: trace, debug, info, warn, off (default: off)
	BusyTimeout int    `yaml:"busy_timeout"` // SQLite busy_timeout (ms), 0 = use default
	PoolSize    int    `yaml:"pool_size"`    // Concurrent origin lookups (default: 4)
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "off"
	}
	if s.PoolSize <= 0 {
		s.PoolSize = 4
	}
}

// loadDefaultSettings parses default settings from embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	settings.ApplyDefaults()
	return settings
}

// LoadSettings loads the settings from the config directory.
// Falls back to embedded defaults if the file doesn't exist.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultSettings()
			return &settings, nil
		}
		return nil, err
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", SettingsPath(), err)
	}
	settings.ApplyDefaults()
	return &settings, nil
}

// SaveSettings saves the settings to the config directory
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# BranchOrigin settings\n# See: branchorigin --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

// SetupLogging routes logrus output to w at the given level (case insensitive).
// "off", "none" and "" discard all output.
func SetupLogging(level string, w io.Writer) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		log.SetOutput(io.Discard)
		return
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
	log.SetOutput(w)
}
