package subscription

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"github.com/goccy/go-json"
)

// v2rayLinks renders one share link per entry, newline separated.
type v2rayLinks struct {
	links []string
}

func (c *v2rayLinks) Add(e Entry) {
	var link string
	switch e.Protocol {
	case model.ProxyVMess:
		link = vmessLink(e)
	case model.ProxyVLESS:
		link = urlLink("vless", e.Settings.ID, e)
	case model.ProxyTrojan:
		link = urlLink("trojan", e.Settings.Password, e)
	case model.ProxyShadowsocks:
		link = shadowsocksLink(e)
	}
	if link != "" {
		c.links = append(c.links, link)
	}
}

func (c *v2rayLinks) Render(reverse bool) (string, error) {
	links := slices.Clone(c.links)
	if reverse {
		slices.Reverse(links)
	}
	return strings.Join(links, "\n"), nil
}

type vmessPayload struct {
	Add  string `json:"add"`
	Aid  string `json:"aid"`
	Host string `json:"host"`
	ID   string `json:"id"`
	Net  string `json:"net"`
	Path string `json:"path"`
	Port int    `json:"port"`
	PS   string `json:"ps"`
	Scy  string `json:"scy"`
	TLS  string `json:"tls"`
	Type string `json:"type"`
	V    string `json:"v"`
	SNI  string `json:"sni,omitempty"`
	FP   string `json:"fp,omitempty"`
	ALPN string `json:"alpn,omitempty"`
	AIS  int    `json:"allowInsecure,omitempty"`
}

func vmessLink(e Entry) string {
	p := e.Params
	payload := vmessPayload{
		Add:  e.Address,
		Aid:  "0",
		Host: p.Host,
		ID:   e.Settings.ID,
		Net:  p.Network,
		Path: p.Path,
		Port: p.Port,
		PS:   e.Remark,
		Scy:  "auto",
		TLS:  p.TLS,
		Type: p.HeaderType,
		V:    "2",
	}
	if payload.Type == "" {
		payload.Type = "none"
	}
	if p.Network == "grpc" && p.MultiMode {
		payload.Type = "multi"
	}
	if p.TLS == "tls" {
		payload.SNI = p.SNI
		payload.FP = p.Fingerprint
		payload.ALPN = p.ALPN
		if p.AllowInsecure {
			payload.AIS = 1
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return "vmess://" + base64.StdEncoding.EncodeToString(data)
}

// urlLink builds the vless:// and trojan:// style links.
func urlLink(scheme, secret string, e Entry) string {
	p := e.Params
	q := transportQuery(p)

	acc := xrayapi.Account{Protocol: e.Protocol, Flow: e.Settings.Flow}
	acc.RestrictFlow(p.Network, p.TLS, p.HeaderType)
	if acc.Flow != "" {
		q.Set("flow", acc.Flow)
	}
	if e.Protocol == model.ProxyVLESS {
		q.Set("encryption", "none")
	}

	u := url.URL{
		Scheme:   scheme,
		User:     url.User(secret),
		Host:     net.JoinHostPort(e.Address, strconv.Itoa(p.Port)),
		RawQuery: q.Encode(),
		Fragment: e.Remark,
	}
	return u.String()
}

func transportQuery(p Params) url.Values {
	q := url.Values{}
	network := p.Network
	if network == "" {
		network = "tcp"
	}
	q.Set("type", network)
	q.Set("security", p.TLS)

	switch network {
	case "grpc":
		q.Set("serviceName", p.Path)
		if p.Host != "" {
			q.Set("authority", p.Host)
		}
		if p.MultiMode {
			q.Set("mode", "multi")
		} else {
			q.Set("mode", "gun")
		}
	case "kcp":
		q.Set("seed", p.Path)
		q.Set("headerType", firstNonEmpty(p.HeaderType, "none"))
	case "xhttp", "splithttp":
		q.Set("path", p.Path)
		q.Set("host", p.Host)
		if p.Mode != "" {
			q.Set("mode", p.Mode)
		}
	default:
		if p.Path != "" {
			q.Set("path", p.Path)
		}
		if p.Host != "" {
			q.Set("host", p.Host)
		}
		if p.HeaderType != "" && p.HeaderType != "none" {
			q.Set("headerType", p.HeaderType)
		}
	}

	switch p.TLS {
	case "tls":
		setIf(q, "sni", p.SNI)
		setIf(q, "fp", p.Fingerprint)
		setIf(q, "alpn", p.ALPN)
		if p.AllowInsecure {
			q.Set("allowInsecure", "1")
		}
	case "reality":
		setIf(q, "sni", p.SNI)
		q.Set("fp", firstNonEmpty(p.Fingerprint, "chrome"))
		setIf(q, "pbk", p.PublicKey)
		setIf(q, "sid", p.ShortID)
		setIf(q, "spx", p.SpiderX)
	}
	return q
}

func shadowsocksLink(e Entry) string {
	method := firstNonEmpty(e.Settings.Method, e.Params.Method, "chacha20-ietf-poly1305")
	userinfo := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", method, e.Settings.Password)))
	return fmt.Sprintf("ss://%s@%s#%s", userinfo, net.JoinHostPort(e.Address, strconv.Itoa(e.Params.Port)), url.PathEscape(e.Remark))
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
