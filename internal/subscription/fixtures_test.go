package subscription

import (
	"context"
	"testing"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/model"
	"x-fleet/internal/xray"

	"gorm.io/datatypes"
)

const gib = int64(1) << 30

const fleetConfig = `{
  "inbounds": [
    {"tag": "VMESS_TCP", "protocol": "vmess", "port": 8443, "settings": {"clients": []}},
    {
      "tag": "VLESS_WS", "protocol": "vless", "port": 443,
      "settings": {"clients": [], "decryption": "none"},
      "streamSettings": {
        "network": "ws", "security": "tls",
        "tlsSettings": {"serverName": "*.example.com"},
        "wsSettings": {"path": "/vl", "headers": {"Host": "cdn.example.com"}}
      }
    },
    {"tag": "SS_TCP", "protocol": "shadowsocks", "port": 1080, "settings": {"clients": [], "method": "aes-256-gcm"}}
  ]
}`

var testServer = ServerInfo{IP: "203.0.113.7", IPv6: "2001:db8::7"}

func mustConfig(t *testing.T, raw string) *xray.Config {
	t.Helper()
	cfg, err := xray.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse engine config: %v", err)
	}
	return cfg
}

func proxy(kind model.ProxyType, s model.ProxySettings) model.Proxy {
	return model.Proxy{Type: kind, Settings: datatypes.NewJSONType(s)}
}

func testUser() *model.User {
	limit := 10 * gib
	expire := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	return &model.User{
		ID:          1,
		Username:    "alice",
		Status:      model.UserStatusActive,
		UsedTraffic: 2 * gib,
		DataLimit:   &limit,
		Expire:      &expire,
		SubToken:    "token-alice",
		Proxies: []model.Proxy{
			proxy(model.ProxyVMess, model.ProxySettings{ID: "0b6f4c6a-6c2e-4b36-9d6f-2f0e8c1f8a11"}),
			proxy(model.ProxyVLESS, model.ProxySettings{ID: "4f7e5a8c-0d1e-4c4f-9e2a-6b3d2c1a0f99", Flow: xrayFlow}),
			proxy(model.ProxyShadowsocks, model.ProxySettings{Password: "s3cret"}),
		},
	}
}

const xrayFlow = "xtls-rprx-vision"

func newResolver(t *testing.T, raw string) (*Resolver, *config.Settings) {
	t.Helper()
	settings := config.NewSettings()
	return NewResolver(mustConfig(t, raw), settings), settings
}

func applySettings(t *testing.T, s *config.Settings, values map[string]any) {
	t.Helper()
	if _, err := s.Apply(values); err != nil {
		t.Fatalf("apply settings: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

type staticHosts struct {
	hosts map[string][]model.ProxyHost
	calls int
}

func (h *staticHosts) HostsByTag(context.Context) (map[string][]model.ProxyHost, error) {
	h.calls++
	return h.hosts, nil
}
