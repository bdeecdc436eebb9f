package subscription

import (
	"slices"
	"strings"

	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"github.com/goccy/go-json"
)

const singBoxMixedPort = 2080

// singBoxConfig renders a sing-box client configuration with a selector
// over every entry and a url-test group.
type singBoxConfig struct {
	outbounds []jsonMap
	tags      map[string]int
}

func (c *singBoxConfig) Add(e Entry) {
	out := singBoxOutbound(e)
	if out == nil {
		return
	}
	if c.tags == nil {
		c.tags = map[string]int{}
	}
	tag := e.Remark
	if n, seen := c.tags[tag]; seen {
		c.tags[tag] = n + 1
		tag = strings.TrimSpace(tag) + " " + strings.Repeat("*", n+1)
	} else {
		c.tags[tag] = 0
	}
	out["tag"] = tag
	c.outbounds = append(c.outbounds, out)
}

func singBoxOutbound(e Entry) jsonMap {
	p := e.Params
	out := jsonMap{"server": e.Address, "server_port": p.Port}
	switch e.Protocol {
	case model.ProxyVMess:
		out["type"] = "vmess"
		out["uuid"] = e.Settings.ID
		out["alter_id"] = 0
		out["security"] = "auto"
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
		out["type"] = "shadowsocks"
		out["method"] = firstNonEmpty(e.Settings.Method, p.Method, "chacha20-ietf-poly1305")
		out["password"] = e.Settings.Password
		return out
	default:
		return nil
	}

	switch p.Network {
	case "ws":
		t := jsonMap{"type": "ws", "path": p.Path}
		if p.Host != "" {
			t["headers"] = jsonMap{"Host": p.Host}
		}
		out["transport"] = t
	case "httpupgrade":
		out["transport"] = jsonMap{"type": "httpupgrade", "path": p.Path, "host": p.Host}
	case "grpc":
		out["transport"] = jsonMap{"type": "grpc", "service_name": p.Path}
	case "h2", "http":
		t := jsonMap{"type": "http", "path": p.Path}
		if p.Host != "" {
			t["host"] = []string{p.Host}
		}
		out["transport"] = t
	case "tcp", "raw", "":
		if p.HeaderType == "http" {
			t := jsonMap{"type": "http", "method": "GET", "path": firstNonEmpty(p.Path, "/")}
			if p.Host != "" {
				t["host"] = []string{p.Host}
			}
			out["transport"] = t
		}
	}

	if p.TLS == "tls" || p.TLS == "reality" {
		tls := jsonMap{"enabled": true, "insecure": p.AllowInsecure}
		if p.SNI != "" {
			tls["server_name"] = p.SNI
		}
		if p.ALPN != "" {
			tls["alpn"] = strings.Split(p.ALPN, ",")
		}
		if p.Fingerprint != "" || p.TLS == "reality" {
			tls["utls"] = jsonMap{"enabled": true, "fingerprint": firstNonEmpty(p.Fingerprint, "chrome")}
		}
		if p.TLS == "reality" {
			tls["reality"] = jsonMap{"enabled": true, "public_key": p.PublicKey, "short_id": p.ShortID}
		}
		out["tls"] = tls
	}
	if p.MuxEnable {
		out["multiplex"] = jsonMap{"enabled": true, "protocol": "smux", "max_connections": 4}
	}
	return out
}

func (c *singBoxConfig) Render(reverse bool) (string, error) {
	proxies := slices.Clone(c.outbounds)
	if reverse {
		slices.Reverse(proxies)
	}
	tags := make([]string, 0, len(proxies))
	for _, o := range proxies {
		tags = append(tags, o["tag"].(string))
	}

	outbounds := []any{
		jsonMap{"type": "selector", "tag": "proxy", "outbounds": append([]string{"urltest"}, tags...), "interrupt_exist_connections": true},
		jsonMap{"type": "urltest", "tag": "urltest", "outbounds": tags, "url": clashTestURL, "interval": "3m"},
	}
	for _, o := range proxies {
		outbounds = append(outbounds, o)
	}
	outbounds = append(outbounds, jsonMap{"type": "direct", "tag": "direct"})

	doc := jsonMap{
		"log": jsonMap{"level": "warn", "timestamp": false},
		"dns": jsonMap{
			"servers": []any{jsonMap{"tag": "dns-remote", "address": "1.1.1.2", "detour": "proxy"}},
		},
		"inbounds": []any{jsonMap{
			"type": "mixed", "tag": "mixed-in", "listen": "127.0.0.1", "listen_port": singBoxMixedPort,
		}},
		"outbounds": outbounds,
		"route": jsonMap{
			"rules": []any{jsonMap{"action": "sniff"}},
			"final": "proxy",
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
