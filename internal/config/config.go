// Package config loads the server configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the structure of the TOML config file.
type Config struct {
	Server ServerSection `toml:"server"`
	Auth   AuthSection   `toml:"auth"`
	SFU    SFUSection    `toml:"sfu"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	ListenAddr   string `toml:"listen_addr"`
	DatabasePath string `toml:"database_path"`
	Debug        bool   `toml:"debug"`
	// TLS serves with a self-signed certificate; clients pin the
	// fingerprint logged at startup.
	TLS         bool   `toml:"tls"`
	TLSHostname string `toml:"tls_hostname"`
}

type AuthSection struct {
	TokenSecret string `toml:"token_secret"`
}

type SFUSection struct {
	BaseURL         string `toml:"base_url"`
	APIKey          string `toml:"api_key"`
	APISecret       string `toml:"api_secret"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds"`
}

type LimitsSection struct {
	MaxMessageLength int `toml:"max_message_length"`
	SendBuffer       int `toml:"send_buffer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerSection{
			ListenAddr:   ":8080",
			DatabasePath: "vox.db",
		},
		SFU: SFUSection{
			TokenTTLSeconds: 21600, // 6 hours
		},
		Limits: LimitsSection{
			MaxMessageLength: 4096,
			SendBuffer:       64,
		},
	}
}

// Load reads a config file over the defaults. A missing file is not an
// error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
