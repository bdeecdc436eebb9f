package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type MasterConfig struct {
	HTTPPort    string
	DBDriver    string
	DBDSN       string
	DBLogLevel  string
	AutoMigrate bool
	HMACSecret  string
	TLSCertFile string
	TLSKeyFile  string
	LogLevel    string
	AdminToken  string

	XrayJSONPath       string
	XrayExecutablePath string
	XrayAssetsPath     string
	XrayAPIPort        int

	SubscriptionPath string
	ServerIP         string
	ServerIPv6       string

	ForceReconnectThreshold int

	// Settings holds the runtime-tunable values seeded from env and the
	// optional config file. DB overrides are applied later by the settings service.
	Settings *Settings
}

// fileConfig is the shape of MASTER_CONFIG_FILE.
type fileConfig struct {
	Settings map[string]any `toml:"settings"`
}

func LoadMasterConfig() (*MasterConfig, error) {
	cfg := &MasterConfig{
		HTTPPort:    getenv("MASTER_HTTP_PORT", "8085"),
		DBDriver:    getenv("MASTER_DB_DRIVER", "sqlite"),
		DBDSN:       os.Getenv("MASTER_DB_DSN"),
		DBLogLevel:  getenv("MASTER_DB_LOG_LEVEL", "warn"),
		AutoMigrate: getenvBool("MASTER_DB_AUTO_MIGRATE", true),
		HMACSecret:  os.Getenv("MASTER_HMAC_SECRET"),
		TLSCertFile: os.Getenv("MASTER_TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("MASTER_TLS_KEY_FILE"),
		LogLevel:    getenv("MASTER_LOG_LEVEL", "info"),
		AdminToken:  os.Getenv("MASTER_ADMIN_TOKEN"),

		XrayJSONPath:       getenv("XRAY_JSON", "./xray_config.json"),
		XrayExecutablePath: getenv("XRAY_EXECUTABLE_PATH", "/usr/local/bin/xray"),
		XrayAssetsPath:     getenv("XRAY_ASSETS_PATH", "/usr/local/share/xray"),
		XrayAPIPort:        getenvInt("XRAY_API_PORT", 62789),

		SubscriptionPath: strings.Trim(getenv("XRAY_SUBSCRIPTION_PATH", "sub"), "/"),
		ServerIP:         getenv("SERVER_IP", "127.0.0.1"),
		ServerIPv6:       getenv("SERVER_IPV6", "::1"),

		ForceReconnectThreshold: getenvInt("NODE_FORCE_RECONNECT_THRESHOLD", 5),
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDSN == "" {
		return nil, fmt.Errorf("MASTER_DB_DSN is required when using %s driver", cfg.DBDriver)
	}

	if cfg.DBDriver == "sqlite" && cfg.DBDSN == "" {
		cfg.DBDSN = "data/master.db"
	}

	if cfg.HMACSecret == "" {
		return nil, fmt.Errorf("MASTER_HMAC_SECRET must be provided")
	}

	settings, err := NewSettingsFromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	cfg.Settings = settings

	if path := os.Getenv("MASTER_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	return cfg, nil
}

func (c *MasterConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return err
	}
	_, err = c.Settings.Apply(fc.Settings)
	return err
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
