package subscription

import (
	"fmt"
	"slices"
	"strings"

	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"gopkg.in/yaml.v3"
)

const (
	clashAutoGroup  = "♻️ Automatic"
	clashProxyGroup = "🚀 Proxy"
	clashTestURL    = "http://www.gstatic.com/generate_204"
)

type clashGroup struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Proxies   []string `yaml:"proxies"`
	URL       string   `yaml:"url,omitempty"`
	Interval  int      `yaml:"interval,omitempty"`
	Tolerance int      `yaml:"tolerance,omitempty"`
}

type clashDocument struct {
	MixedPort   int              `yaml:"mixed-port"`
	AllowLAN    bool             `yaml:"allow-lan"`
	Mode        string           `yaml:"mode"`
	LogLevel    string           `yaml:"log-level"`
	Proxies     []map[string]any `yaml:"proxies"`
	ProxyGroups []clashGroup     `yaml:"proxy-groups"`
	Rules       []string         `yaml:"rules"`
}

// clashConfig renders clash and, with meta set, clash-meta documents.
// Only the meta flavour understands vless and reality.
type clashConfig struct {
	meta    bool
	proxies []map[string]any
	names   map[string]int
}

func (c *clashConfig) Add(e Entry) {
	if !c.meta && (e.Protocol == model.ProxyVLESS || e.Params.TLS == "reality") {
		return
	}
	p := c.proxy(e)
	if p == nil {
		return
	}
	p["name"] = c.uniqueName(e.Remark)
	c.proxies = append(c.proxies, p)
}

// uniqueName appends " (n)" to repeated remarks.
func (c *clashConfig) uniqueName(remark string) string {
	if c.names == nil {
		c.names = map[string]int{}
	}
	name := remark
	for {
		n, seen := c.names[name]
		if !seen {
			c.names[name] = 0
			return name
		}
		c.names[name] = n + 1
		name = fmt.Sprintf("%s (%d)", remark, n+1)
	}
}

func (c *clashConfig) proxy(e Entry) map[string]any {
	p := e.Params
	out := map[string]any{
		"server": e.Address,
		"port":   p.Port,
		"udp":    true,
	}
	switch e.Protocol {
	case model.ProxyVMess:
		out["type"] = "vmess"
		out["uuid"] = e.Settings.ID
		out["alterId"] = 0
		out["cipher"] = "auto"
	case model.ProxyVLESS:
		out["type"] = "vless"
		out["uuid"] = e.Settings.ID
		acc := xrayapi.Account{Protocol: e.Protocol, Flow: e.Settings.Flow}
		acc.RestrictFlow(p.Network, p.TLS, p.HeaderType)
		if acc.Flow != "" {
			out["flow"] = acc.Flow
		}
	case model.ProxyTrojan:
		out["type"] = "trojan"
		out["password"] = e.Settings.Password
	case model.ProxyShadowsocks:
		out["type"] = "ss"
		out["cipher"] = firstNonEmpty(e.Settings.Method, p.Method, "chacha20-ietf-poly1305")
		out["password"] = e.Settings.Password
		return out
	default:
		return nil
	}
	c.applyTransport(out, p)
	c.applyTLS(out, e.Protocol, p)
	return out
}

func (c *clashConfig) applyTransport(out map[string]any, p Params) {
	switch p.Network {
	case "ws", "httpupgrade":
		out["network"] = "ws"
		ws := map[string]any{"path": firstNonEmpty(p.Path, "/")}
		if p.Host != "" {
			ws["headers"] = map[string]string{"Host": p.Host}
		}
		if p.Network == "httpupgrade" {
			ws["v2ray-http-upgrade"] = true
		}
		out["ws-opts"] = ws
	case "grpc":
		out["network"] = "grpc"
		out["grpc-opts"] = map[string]any{"grpc-service-name": p.Path}
	case "h2", "http":
		out["network"] = "h2"
		h2 := map[string]any{"path": firstNonEmpty(p.Path, "/")}
		if p.Host != "" {
			h2["host"] = []string{p.Host}
		}
		out["h2-opts"] = h2
	case "tcp", "raw", "":
		if p.HeaderType == "http" {
			out["network"] = "http"
			opts := map[string]any{"path": []string{firstNonEmpty(p.Path, "/")}}
			if p.Host != "" {
				opts["headers"] = map[string][]string{"Host": {p.Host}}
			}
			out["http-opts"] = opts
		} else {
			out["network"] = "tcp"
		}
	default:
		out["network"] = p.Network
	}
}

func (c *clashConfig) applyTLS(out map[string]any, protocol model.ProxyType, p Params) {
	if p.TLS != "tls" && p.TLS != "reality" {
		return
	}
	if protocol == model.ProxyTrojan {
		if p.SNI != "" {
			out["sni"] = p.SNI
		}
	} else {
		out["tls"] = true
		if p.SNI != "" {
			out["servername"] = p.SNI
		}
	}
	if p.ALPN != "" {
		out["alpn"] = strings.Split(p.ALPN, ",")
	}
	if p.AllowInsecure {
		out["skip-cert-verify"] = true
	}
	if c.meta && p.Fingerprint != "" {
		out["client-fingerprint"] = p.Fingerprint
	}
	if c.meta && p.TLS == "reality" {
		reality := map[string]any{"public-key": p.PublicKey}
		if p.ShortID != "" {
			reality["short-id"] = p.ShortID
		}
		out["reality-opts"] = reality
		out["client-fingerprint"] = firstNonEmpty(p.Fingerprint, "chrome")
	}
}

func (c *clashConfig) Render(reverse bool) (string, error) {
	proxies := slices.Clone(c.proxies)
	if reverse {
		slices.Reverse(proxies)
	}
	names := make([]string, 0, len(proxies))
	for _, p := range proxies {
		names = append(names, p["name"].(string))
	}
	if proxies == nil {
		proxies = []map[string]any{}
	}

	doc := clashDocument{
		MixedPort: 7890,
		Mode:      "rule",
		LogLevel:  "info",
		Proxies:   proxies,
		ProxyGroups: []clashGroup{
			{Name: clashProxyGroup, Type: "select", Proxies: append([]string{clashAutoGroup}, names...)},
			{Name: clashAutoGroup, Type: "url-test", Proxies: nonEmpty(names), URL: clashTestURL, Interval: 300, Tolerance: 50},
		},
		Rules: []string{"MATCH," + clashProxyGroup},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// nonEmpty keeps clash from rejecting an empty url-test group.
func nonEmpty(names []string) []string {
	if len(names) == 0 {
		return []string{"DIRECT"}
	}
	return names
}
