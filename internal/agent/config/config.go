package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

type Config struct {
	ListenAddr         string `json:"listen_addr"`
	SecretKey          string `json:"secret_key"`
	XrayExecutablePath string `json:"xray_executable_path"`
	XrayAssetsPath     string `json:"xray_assets_path"`
	TLSCertFile        string `json:"tls_cert_file"`
	TLSKeyFile         string `json:"tls_key_file"`
	// ClientCAFile holds the master's client certificate. When set, only
	// callers presenting it are accepted.
	ClientCAFile string `json:"client_ca_file"`
	LogLevel     string `json:"log_level"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":62050"
	}
	if c.XrayExecutablePath == "" {
		c.XrayExecutablePath = "/usr/local/bin/xray"
	}
	if c.XrayAssetsPath == "" {
		c.XrayAssetsPath = "/usr/local/share/xray"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return errors.New("secret_key is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	if c.ClientCAFile != "" && c.TLSCertFile == "" {
		return errors.New("client_ca_file requires tls_cert_file")
	}
	return nil
}

func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != ""
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s tls=%t xray=%s", c.ListenAddr, c.TLSEnabled(), c.XrayExecutablePath)
}
