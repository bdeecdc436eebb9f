package subscription

import (
	"slices"
	"strings"

	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"github.com/goccy/go-json"
)

const (
	socksPort = 10808
	httpPort  = 10809
)

type jsonMap = map[string]any

// v2rayJSON renders a full client configuration per entry, as a JSON list.
type v2rayJSON struct {
	configs []jsonMap
	// tagged outbounds seen so far, folded into later merge-primary entries
	tagged []jsonMap
}

func (c *v2rayJSON) Add(e Entry) {
	p := e.Params
	outbound := c.outbound(e)
	if outbound == nil {
		return
	}

	outbound["tag"] = "proxy"
	if p.OutboundTag != "" {
		outbound["tag"] = p.OutboundTag
		c.tagged = append(c.tagged, outbound)
	}

	outbounds := []any{}
	routing := jsonMap{"domainStrategy": "AsIs", "rules": []any{}}
	if p.JSONOnly() {
		// a merge-primary entry carries every tagged outbound seen before it
		if p.MergePrimary {
			for _, o := range c.tagged {
				outbounds = append(outbounds, o)
			}
		} else {
			outbounds = append(outbounds, outbound)
		}
		selectors := make([]string, 0, len(p.BalancerTags))
		for _, t := range p.BalancerTags {
			if t = strings.TrimSpace(t); t != "" {
				selectors = append(selectors, t)
			}
		}
		routing["balancers"] = []any{jsonMap{
			"tag":      p.OutboundTag + "-balancer",
			"selector": selectors,
			"strategy": jsonMap{"type": "leastPing"},
		}}
		routing["rules"] = []any{jsonMap{
			"type":        "field",
			"network":     "tcp,udp",
			"balancerTag": p.OutboundTag + "-balancer",
		}}
	} else {
		outbounds = append(outbounds, outbound)
	}
	if f := dialerOutbound(p); f != nil {
		outbounds = append(outbounds, f)
	}
	outbounds = append(outbounds,
		jsonMap{"protocol": "freedom", "tag": "direct"},
		jsonMap{"protocol": "blackhole", "tag": "block"},
	)

	c.configs = append(c.configs, jsonMap{
		"remarks": e.Remark,
		"log":     jsonMap{"loglevel": "warning"},
		"dns":     jsonMap{"servers": []any{"1.1.1.1", "8.8.8.8"}},
		"inbounds": []any{
			jsonMap{
				"tag": "socks", "port": socksPort, "listen": "127.0.0.1", "protocol": "socks",
				"settings": jsonMap{"auth": "noauth", "udp": true},
				"sniffing": jsonMap{"enabled": true, "destOverride": []any{"http", "tls"}},
			},
			jsonMap{
				"tag": "http", "port": httpPort, "listen": "127.0.0.1", "protocol": "http",
				"settings": jsonMap{"allowTransparent": false},
			},
		},
		"outbounds": outbounds,
		"routing":   routing,
	})
}

func (c *v2rayJSON) outbound(e Entry) jsonMap {
	p := e.Params
	out := jsonMap{"protocol": string(e.Protocol)}
	switch e.Protocol {
	case model.ProxyVMess:
		out["settings"] = jsonMap{"vnext": []any{jsonMap{
			"address": e.Address, "port": p.Port,
			"users": []any{jsonMap{"id": e.Settings.ID, "alterId": 0, "security": "auto"}},
		}}}
	case model.ProxyVLESS:
		acc := xrayapi.Account{Protocol: e.Protocol, Flow: e.Settings.Flow}
		acc.RestrictFlow(p.Network, p.TLS, p.HeaderType)
		user := jsonMap{"id": e.Settings.ID, "encryption": "none"}
		if acc.Flow != "" {
			user["flow"] = acc.Flow
		}
		out["settings"] = jsonMap{"vnext": []any{jsonMap{
			"address": e.Address, "port": p.Port, "users": []any{user},
		}}}
	case model.ProxyTrojan:
		out["settings"] = jsonMap{"servers": []any{jsonMap{
			"address": e.Address, "port": p.Port, "password": e.Settings.Password,
		}}}
	case model.ProxyShadowsocks:
		out["settings"] = jsonMap{"servers": []any{jsonMap{
			"address": e.Address, "port": p.Port, "password": e.Settings.Password,
			"method": firstNonEmpty(e.Settings.Method, p.Method, "chacha20-ietf-poly1305"),
		}}}
	default:
		return nil
	}
	out["streamSettings"] = streamSettings(p)
	if p.MuxEnable {
		out["mux"] = jsonMap{"enabled": true, "concurrency": 8}
	}
	return out
}

func streamSettings(p Params) jsonMap {
	network := firstNonEmpty(p.Network, "tcp")
	ss := jsonMap{"network": network, "security": firstNonEmpty(p.TLS, "none")}

	switch network {
	case "ws":
		ws := jsonMap{"path": p.Path}
		if p.Host != "" {
			ws["headers"] = jsonMap{"Host": p.Host}
		}
		ss["wsSettings"] = ws
	case "grpc":
		ss["grpcSettings"] = jsonMap{"serviceName": p.Path, "authority": p.Host, "multiMode": p.MultiMode}
	case "httpupgrade":
		ss["httpupgradeSettings"] = jsonMap{"path": p.Path, "host": p.Host}
	case "xhttp", "splithttp":
		ss["xhttpSettings"] = jsonMap{"path": p.Path, "host": p.Host, "mode": firstNonEmpty(p.Mode, "auto")}
	case "kcp":
		ss["kcpSettings"] = jsonMap{"seed": p.Path, "header": jsonMap{"type": firstNonEmpty(p.HeaderType, "none")}}
	case "tcp", "raw":
		if p.HeaderType == "http" {
			request := jsonMap{"path": []any{firstNonEmpty(p.Path, "/")}}
			if p.Host != "" {
				request["headers"] = jsonMap{"Host": []any{p.Host}}
			}
			ss["tcpSettings"] = jsonMap{"header": jsonMap{"type": "http", "request": request}}
		}
	}

	switch p.TLS {
	case "tls":
		tls := jsonMap{"serverName": p.SNI, "allowInsecure": p.AllowInsecure}
		if p.Fingerprint != "" {
			tls["fingerprint"] = p.Fingerprint
		}
		if p.ALPN != "" {
			tls["alpn"] = strings.Split(p.ALPN, ",")
		}
		ss["tlsSettings"] = tls
	case "reality":
		ss["realitySettings"] = jsonMap{
			"serverName":  p.SNI,
			"fingerprint": firstNonEmpty(p.Fingerprint, "chrome"),
			"publicKey":   p.PublicKey,
			"shortId":     p.ShortID,
			"spiderX":     p.SpiderX,
		}
	}
	if p.FragmentSetting != "" || p.NoiseSetting != "" {
		ss["sockopt"] = jsonMap{"dialerProxy": "fragment"}
	}
	return ss
}

// dialerOutbound builds the freedom outbound carrying fragment and noise
// settings. Fragment is "length,interval,packets"; noise is a list of
// "type:packet,delay" items joined by "&".
func dialerOutbound(p Params) jsonMap {
	if p.FragmentSetting == "" && p.NoiseSetting == "" {
		return nil
	}
	settings := jsonMap{}
	if parts := strings.Split(p.FragmentSetting, ","); len(parts) == 3 {
		settings["fragment"] = jsonMap{
			"length":   strings.TrimSpace(parts[0]),
			"interval": strings.TrimSpace(parts[1]),
			"packets":  strings.TrimSpace(parts[2]),
		}
	}
	var noises []any
	for _, item := range strings.Split(p.NoiseSetting, "&") {
		kind, rest, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			continue
		}
		packet, delay, _ := strings.Cut(rest, ",")
		noises = append(noises, jsonMap{"type": kind, "packet": packet, "delay": delay})
	}
	if len(noises) > 0 {
		settings["noises"] = noises
	}
	return jsonMap{"protocol": "freedom", "tag": "fragment", "settings": settings}
}

func (c *v2rayJSON) Render(reverse bool) (string, error) {
	configs := slices.Clone(c.configs)
	if reverse {
		slices.Reverse(configs)
	}
	if configs == nil {
		configs = []jsonMap{}
	}
	data, err := json.MarshalIndent(configs, "", "    ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
