package subscription

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"x-fleet/internal/model"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

func renderAll(t *testing.T, f Format, entries []Entry, reverse bool) string {
	t.Helper()
	r, err := NewRenderer(f)
	if err != nil {
		t.Fatalf("NewRenderer(%s): %v", f, err)
	}
	for _, e := range entries {
		r.Add(e)
	}
	out, err := r.Render(reverse)
	if err != nil {
		t.Fatalf("render %s: %v", f, err)
	}
	return out
}

func vlessEntry(remark string) Entry {
	return Entry{
		Remark:   remark,
		Address:  "edge.example.net",
		Protocol: model.ProxyVLESS,
		Settings: model.ProxySettings{ID: "4f7e5a8c-0d1e-4c4f-9e2a-6b3d2c1a0f99", Flow: xrayFlow},
		Params:   Params{Network: "ws", TLS: "tls", Port: 443, SNI: "edge.example.net", Path: "/vl", Host: "cdn.example.com"},
	}
}

func vmessEntry(remark string) Entry {
	return Entry{
		Remark:   remark,
		Address:  "203.0.113.7",
		Protocol: model.ProxyVMess,
		Settings: model.ProxySettings{ID: "0b6f4c6a-6c2e-4b36-9d6f-2f0e8c1f8a11"},
		Params:   Params{Network: "tcp", TLS: "none", Port: 8443},
	}
}

func ssEntry(remark string) Entry {
	return Entry{
		Remark:   remark,
		Address:  "203.0.113.7",
		Protocol: model.ProxyShadowsocks,
		Settings: model.ProxySettings{Password: "s3cret"},
		Params:   Params{Network: "tcp", TLS: "none", Port: 1080, Method: "aes-256-gcm"},
	}
}

func TestParseFormat(t *testing.T) {
	for _, f := range Formats {
		if got, err := ParseFormat(string(f)); err != nil || got != f {
			t.Errorf("ParseFormat(%q) = %q, %v", f, got, err)
		}
	}
	if _, err := ParseFormat("wireguard"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestV2rayLinks(t *testing.T) {
	out := renderAll(t, FormatV2ray, []Entry{vmessEntry("vm"), vlessEntry("vl"), ssEntry("ss")}, false)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 links, got %q", out)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(lines[0], "vmess://"))
	if err != nil {
		t.Fatalf("decode vmess: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal vmess: %v", err)
	}
	if payload["ps"] != "vm" || payload["net"] != "tcp" || payload["tls"] != "none" || payload["port"] != float64(8443) {
		t.Errorf("unexpected vmess payload %v", payload)
	}

	u, err := url.Parse(lines[1])
	if err != nil {
		t.Fatalf("parse vless link: %v", err)
	}
	q := u.Query()
	if u.Scheme != "vless" || u.Fragment != "vl" || u.Port() != "443" {
		t.Errorf("unexpected vless link %q", lines[1])
	}
	if q.Get("type") != "ws" || q.Get("security") != "tls" || q.Get("path") != "/vl" || q.Get("host") != "cdn.example.com" {
		t.Errorf("unexpected vless query %v", q)
	}
	if q.Get("flow") != "" {
		t.Errorf("flow must be dropped on ws, got %q", q.Get("flow"))
	}

	if !strings.HasPrefix(lines[2], "ss://") || !strings.HasSuffix(lines[2], "#ss") {
		t.Errorf("unexpected ss link %q", lines[2])
	}
}

func TestV2rayLinksKeepFlowOnTCPTLS(t *testing.T) {
	e := vlessEntry("vision")
	e.Params.Network = "tcp"
	out := renderAll(t, FormatV2ray, []Entry{e}, false)
	u, err := url.Parse(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Query().Get("flow") != xrayFlow {
		t.Fatalf("flow missing from %q", out)
	}
}

func TestV2rayLinksReverse(t *testing.T) {
	out := renderAll(t, FormatV2ray, []Entry{ssEntry("first"), ssEntry("second")}, true)
	lines := strings.Split(out, "\n")
	if !strings.HasSuffix(lines[0], "#second") || !strings.HasSuffix(lines[1], "#first") {
		t.Fatalf("links not reversed: %q", out)
	}
}

func TestClashDeduplicatesNamesAndSkipsVlessOnPlainClash(t *testing.T) {
	entries := []Entry{vmessEntry("same"), vmessEntry("same"), vlessEntry("vl")}
	out := renderAll(t, FormatClash, entries, false)

	var doc struct {
		Proxies     []map[string]any `yaml:"proxies"`
		ProxyGroups []struct {
			Name    string   `yaml:"name"`
			Type    string   `yaml:"type"`
			Proxies []string `yaml:"proxies"`
		} `yaml:"proxy-groups"`
		Rules []string `yaml:"rules"`
	}
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("unmarshal clash: %v", err)
	}
	if len(doc.Proxies) != 2 {
		t.Fatalf("expected 2 proxies, got %d", len(doc.Proxies))
	}
	if doc.Proxies[0]["name"] != "same" || doc.Proxies[1]["name"] != "same (1)" {
		t.Errorf("unexpected names %v %v", doc.Proxies[0]["name"], doc.Proxies[1]["name"])
	}
	if len(doc.Rules) != 1 || doc.Rules[0] != "MATCH,"+clashProxyGroup {
		t.Errorf("unexpected rules %v", doc.Rules)
	}
	if len(doc.ProxyGroups) != 2 || doc.ProxyGroups[1].Type != "url-test" {
		t.Errorf("unexpected groups %+v", doc.ProxyGroups)
	}

	meta := renderAll(t, FormatClashMeta, entries, false)
	if !strings.Contains(meta, "type: vless") {
		t.Errorf("clash-meta should carry vless:\n%s", meta)
	}
}

func TestSingBoxSelector(t *testing.T) {
	out := renderAll(t, FormatSingBox, []Entry{vmessEntry("a"), vlessEntry("b")}, false)
	var doc struct {
		Outbounds []map[string]any `json:"outbounds"`
		Route     map[string]any   `json:"route"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("unmarshal sing-box: %v", err)
	}
	if doc.Route["final"] != "proxy" {
		t.Errorf("route.final = %v", doc.Route["final"])
	}
	selector := doc.Outbounds[0]
	if selector["type"] != "selector" || selector["tag"] != "proxy" {
		t.Fatalf("unexpected selector %v", selector)
	}
	members, _ := selector["outbounds"].([]any)
	if len(members) != 3 || members[1] != "a" || members[2] != "b" {
		t.Errorf("unexpected selector members %v", members)
	}
}

func TestOutlineUsesFirstShadowsocksEntry(t *testing.T) {
	out := renderAll(t, FormatOutline, []Entry{vmessEntry("vm"), ssEntry("one"), ssEntry("two")}, false)
	var doc outlineDocument
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("unmarshal outline: %v", err)
	}
	if doc.Remarks != "one" || doc.Method != "aes-256-gcm" || doc.ServerPort != 1080 {
		t.Fatalf("unexpected outline %+v", doc)
	}
}

func TestV2rayJSONBalancer(t *testing.T) {
	plain := vmessEntry("plain")
	balanced := vmessEntry("balanced")
	balanced.Params.OutboundTag = "lb"
	balanced.Params.BalancerTags = []string{"lb", " "}

	out := renderAll(t, FormatV2rayJSON, []Entry{plain, balanced}, false)
	var configs []map[string]any
	if err := json.Unmarshal([]byte(out), &configs); err != nil {
		t.Fatalf("unmarshal v2ray-json: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
	routing := configs[1]["routing"].(map[string]any)
	balancers, _ := routing["balancers"].([]any)
	if len(balancers) != 1 {
		t.Fatalf("expected a balancer, got %v", routing)
	}
	selector := balancers[0].(map[string]any)["selector"].([]any)
	if len(selector) != 1 || selector[0] != "lb" {
		t.Errorf("blank balancer tags must be dropped, got %v", selector)
	}
	first := configs[0]["outbounds"].([]any)[0].(map[string]any)
	if first["tag"] != "proxy" {
		t.Errorf("plain config outbound tag = %v", first["tag"])
	}
}

func TestDecoyEntries(t *testing.T) {
	vars := Variables{"USERNAME": "alice"}
	entries := DecoyEntries(vars, FormatV2ray, []string{"limit for {USERNAME}", "{PROTOCOL}/{TRANSPORT}"})
	if len(entries) != 2 || entries[0].Remark != "limit for alice" || entries[1].Remark != "vmess/tcp" {
		t.Fatalf("unexpected decoy entries %v", remarks(entries))
	}
	if entries[0].Address != "127.0.0.1" || entries[0].Settings.ID == "" || entries[0].Settings.ID == entries[1].Settings.ID {
		t.Errorf("decoy credentials not fresh: %+v", entries)
	}

	outline := DecoyEntries(vars, FormatOutline, []string{"a", "b"})
	if len(outline) != 1 || outline[0].Protocol != model.ProxyShadowsocks || outline[0].Settings.Method != "aes-128-gcm" {
		t.Fatalf("unexpected outline decoy %+v", outline)
	}
}
