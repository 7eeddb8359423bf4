package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"codex-loop/log"
)

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the program wrapped when none is given on the command line.
	DefaultProgram string `json:"default_program"`
	// Width is the column count of the virtual terminal. Wide terminals
	// (200+) keep the wrapped CLI from soft-wrapping its output.
	Width int `json:"width"`
	// Height is the row count of the virtual terminal.
	Height int `json:"height"`
	// PromptTerminators are the strings a standalone trailing line may end
	// with to count as a prompt. Checked in order.
	PromptTerminators []string `json:"prompt_terminators"`
	// HistoryLimit caps the snapshot and transition histories.
	HistoryLimit int `json:"history_limit"`
	// WebAddr, when non-empty, enables the HTTP monitor on that address.
	WebAddr string `json:"web_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:    "codex",
		Width:             240,
		Height:            60,
		PromptTerminators: []string{"codex>", ">>>", ">", "$", ":"},
		HistoryLimit:      1000,
	}
}

// LoadConfig loads the configuration from disk
func LoadConfig() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".codex-loop", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.FileOnlyWarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg, nil
		}
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}
	config.fillDefaults()

	return &config, nil
}

// fillDefaults backfills zero fields so hand-edited configs with missing
// keys still work.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.DefaultProgram == "" {
		c.DefaultProgram = def.DefaultProgram
	}
	if c.Width <= 0 {
		c.Width = def.Width
	}
	if c.Height <= 0 {
		c.Height = def.Height
	}
	if len(c.PromptTerminators) == 0 {
		c.PromptTerminators = def.PromptTerminators
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".codex-loop")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.json")
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}
