package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address      string `yaml:"address"`
	ServiceToken string `yaml:"service_token"`
	TLSCACert    string `yaml:"tls_ca_cert"`
}

var cfg CLIConfig

// configPath returns the path to the CLI config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".phivault", "config.yaml")
}

// loadConfig loads the CLI config from disk.
func loadConfig() {
	cfg = CLIConfig{
		Address: "http://127.0.0.1:8300",
	}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return // Use defaults
	}
	yaml.Unmarshal(data, &cfg) //nolint:errcheck
}
