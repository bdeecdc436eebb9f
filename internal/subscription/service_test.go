package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"x-fleet/internal/config"
	"x-fleet/internal/model"

	"github.com/goccy/go-json"
)

const singleVMessConfig = `{
  "inbounds": [
    {
      "tag": "VMESS_WS", "protocol": "vmess", "port": 2083,
      "settings": {"clients": []},
      "streamSettings": {"network": "ws", "security": "tls", "tlsSettings": {"serverName": "sub.example.com"}, "wsSettings": {"path": "/vm"}}
    }
  ]
}`

func newTestService(t *testing.T, raw string) (*Service, *staticHosts, *config.Settings) {
	t.Helper()
	settings := config.NewSettings()
	cache, err := NewCache()
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(cache.Close)
	hosts := &staticHosts{}
	svc := NewService(NewResolver(mustConfig(t, raw), settings), hosts, cache, settings, testServer)
	return svc, hosts, settings
}

func vmessOnlyUser() *model.User {
	u := testUser()
	u.Proxies = u.Proxies[:1]
	return u
}

func TestGenerateSingleVMessLink(t *testing.T) {
	svc, _, _ := newTestService(t, singleVMessConfig)
	u := vmessOnlyUser()

	doc, err := svc.Generate(context.Background(), u, ClientProfileFor(FormatV2ray))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if doc.MediaType != "text/plain" || doc.CacheHit {
		t.Fatalf("unexpected document %+v", doc)
	}
	decoded, err := base64.StdEncoding.DecodeString(doc.Body)
	if err != nil {
		t.Fatalf("body is not base64: %v", err)
	}
	links := strings.Split(string(decoded), "\n")
	if len(links) != 1 || !strings.HasPrefix(links[0], "vmess://") {
		t.Fatalf("expected one vmess link, got %q", decoded)
	}
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(links[0], "vmess://"))
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["net"] != "ws" || payload["tls"] != "tls" || payload["port"] != float64(2083) || payload["path"] != "/vm" || payload["sni"] != "sub.example.com" {
		t.Fatalf("payload does not match the inbound: %v", payload)
	}

	info := UserInfo(u)
	want := fmt.Sprintf("upload=0; download=2147483648; total=10737418240; expire=%d", *u.Expire)
	if info != want {
		t.Fatalf("subscription-userinfo = %q, want %q", info, want)
	}
}

func TestGenerateServesSecondRenderFromCache(t *testing.T) {
	svc, hosts, _ := newTestService(t, singleVMessConfig)
	u := vmessOnlyUser()
	profile := ClientProfileFor(FormatSingBox)

	first, err := svc.Generate(context.Background(), u, profile)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	second, err := svc.Generate(context.Background(), u, profile)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !second.CacheHit || second.Body != first.Body {
		t.Fatalf("second render should be a byte-identical cache hit")
	}
	if hosts.calls != 1 {
		t.Fatalf("hosts loaded %d times, want 1", hosts.calls)
	}
	if hits, misses := svc.Cache().Stats(); hits != 1 || misses != 1 {
		t.Fatalf("stats = %d hits, %d misses", hits, misses)
	}
}

func TestGenerateInvalidatesOnUserChange(t *testing.T) {
	mutations := map[string]func(u *model.User){
		"used traffic": func(u *model.User) { u.UsedTraffic++ },
		"data limit":   func(u *model.User) { v := *u.DataLimit * 2; u.DataLimit = &v },
		"expire":       func(u *model.User) { v := *u.Expire + 60; u.Expire = &v },
		"status":       func(u *model.User) { u.Status = model.UserStatusLimited },
		"on hold":      func(u *model.User) { v := int64(3600); u.OnHoldExpireDuration = &v },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			svc, _, _ := newTestService(t, singleVMessConfig)
			u := vmessOnlyUser()
			profile := ClientProfileFor(FormatV2ray)
			if _, err := svc.Generate(context.Background(), u, profile); err != nil {
				t.Fatalf("Generate: %v", err)
			}
			mutate(u)
			doc, err := svc.Generate(context.Background(), u, profile)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if doc.CacheHit {
				t.Fatalf("changed user served from cache")
			}
		})
	}
}

func TestGenerateDecoy(t *testing.T) {
	svc, _, settings := newTestService(t, singleVMessConfig)
	u := vmessOnlyUser()

	if _, ok, _ := svc.GenerateDecoy(u, ClientProfileFor(FormatV2ray)); ok {
		t.Fatalf("decoy rendered without notes")
	}
	applySettings(t, settings, map[string]any{config.CustomNotesHwidLimit: "Device limit reached"})
	doc, ok, err := svc.GenerateDecoy(u, ClientProfile{Format: FormatV2ray})
	if err != nil || !ok {
		t.Fatalf("GenerateDecoy: %v %v", ok, err)
	}
	if !strings.Contains(doc.Body, "vmess://") {
		t.Fatalf("unexpected decoy body %q", doc.Body)
	}
}

func TestHeaders(t *testing.T) {
	svc, _, settings := newTestService(t, singleVMessConfig)
	applySettings(t, settings, map[string]any{
		config.SubProfileTitle: "Fleet",
		config.CustomHeaders:   `[{"name": "x-all", "value": "1"}, {"name": "x-happ", "value": "2", "user_agent": "^Happ/"}]`,
	})
	u := vmessOnlyUser()

	got := map[string]string{}
	for _, h := range svc.Headers(u, "https://sub.example.com/sub/token", "v2rayNG/1.9.0") {
		got[h.Name] = h.Value
	}
	if got["content-disposition"] != `attachment; filename="alice"` {
		t.Errorf("content-disposition = %q", got["content-disposition"])
	}
	title, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(got["profile-title"], "base64:"))
	if string(title) != "Fleet - alice" {
		t.Errorf("profile-title decodes to %q", title)
	}
	if _, err := url.Parse(got["profile-web-page-url"]); err != nil || got["profile-update-interval"] != "12" {
		t.Errorf("unexpected headers %v", got)
	}
	if got["x-all"] != "1" {
		t.Errorf("unconditional custom header missing")
	}
	if _, ok := got["x-happ"]; ok {
		t.Errorf("user-agent scoped header leaked to another client")
	}
}
