package xray

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"github.com/goccy/go-json"
	"github.com/xtls/xray-core/infra/conf"
	"golang.org/x/crypto/curve25519"
)

const (
	apiInboundTag  = "API_INBOUND"
	apiOutboundTag = "API"
)

type GenericMap = map[string]any

// Inbound is the client-facing view of one user-bearing inbound.
type Inbound struct {
	Tag           string
	Protocol      model.ProxyType
	Network       string
	Port          int
	TLS           string
	SNI           []string
	Host          []string
	Path          string
	HeaderType    string
	Fingerprint   string
	PublicKey     string
	ShortIDs      []string
	SpiderX       string
	ALPN          string
	AllowInsecure bool
	MultiMode     bool
	Mode          string
	Method        string
}

// Config is the engine configuration loaded from XRAY_JSON. It is never
// mutated after parsing; IncludeUsers and WithAPI operate on copies.
type Config struct {
	raw      GenericMap
	inbounds []Inbound
	byTag    map[string]int
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var raw GenericMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	c := &Config{raw: raw, byTag: map[string]int{}}

	items, _ := raw["inbounds"].([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		inbound, ok, err := parseInbound(m)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, dup := c.byTag[inbound.Tag]; dup {
			return nil, fmt.Errorf("duplicate inbound tag %q", inbound.Tag)
		}
		c.byTag[inbound.Tag] = len(c.inbounds)
		c.inbounds = append(c.inbounds, inbound)
	}
	return c, nil
}

// Inbounds returns the user-bearing inbounds in declaration order.
func (c *Config) Inbounds() []Inbound {
	out := make([]Inbound, len(c.inbounds))
	copy(out, c.inbounds)
	return out
}

func (c *Config) InboundByTag(tag string) (Inbound, bool) {
	idx, ok := c.byTag[tag]
	if !ok {
		return Inbound{}, false
	}
	return c.inbounds[idx], true
}

// Tags lists every known inbound tag in declaration order.
func (c *Config) Tags() []string {
	tags := make([]string, len(c.inbounds))
	for i, inbound := range c.inbounds {
		tags[i] = inbound.Tag
	}
	return tags
}

// Order returns the declaration index of tag, or -1 when unknown.
func (c *Config) Order(tag string) int {
	if idx, ok := c.byTag[tag]; ok {
		return idx
	}
	return -1
}

// TagsByProtocol groups inbound tags per protocol, keeping declaration order.
func (c *Config) TagsByProtocol() map[model.ProxyType][]string {
	out := map[model.ProxyType][]string{}
	for _, inbound := range c.inbounds {
		out[inbound.Protocol] = append(out[inbound.Protocol], inbound.Tag)
	}
	return out
}

// UserInbounds maps each of the user's protocols to the inbound tags it is
// entitled to: every inbound of that protocol minus the proxy's exclusions.
func (c *Config) UserInbounds(proxies []model.Proxy) map[model.ProxyType][]string {
	byProtocol := c.TagsByProtocol()
	out := make(map[model.ProxyType][]string, len(proxies))
	for _, p := range proxies {
		excluded := make(map[string]struct{}, len(p.ExcludedInbounds))
		for _, tag := range p.ExcludedInbounds {
			excluded[tag] = struct{}{}
		}
		for _, tag := range byProtocol[p.Type] {
			if _, skip := excluded[tag]; !skip {
				out[p.Type] = append(out[p.Type], tag)
			}
		}
	}
	return out
}

// IncludeUsers returns a copy of the document with the given accounts
// injected into each inbound's client list, keyed by inbound tag.
func (c *Config) IncludeUsers(accounts map[string][]xrayapi.Account) GenericMap {
	doc := cloneMap(c.raw)
	items, _ := doc["inbounds"].([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tag, _ := m["tag"].(string)
		idx, known := c.byTag[tag]
		if !known {
			continue
		}
		settings, _ := m["settings"].(map[string]any)
		if settings == nil {
			settings = GenericMap{}
			m["settings"] = settings
		}
		clients, _ := settings["clients"].([]any)
		inbound := c.inbounds[idx]
		for _, acc := range accounts[tag] {
			acc.RestrictFlow(inbound.Network, inbound.TLS, inbound.HeaderType)
			clients = append(clients, acc.ClientJSON())
		}
		if clients == nil {
			clients = []any{}
		}
		settings["clients"] = clients
	}
	return doc
}

// WithAPI adds the gRPC API inbound, its routing rule and the stats
// sections needed by the control plane.
func WithAPI(doc GenericMap, port int) GenericMap {
	doc = cloneMap(doc)
	doc["api"] = GenericMap{
		"tag":      apiOutboundTag,
		"services": []any{"HandlerService", "StatsService", "LoggerService"},
	}
	doc["stats"] = GenericMap{}

	policy, _ := doc["policy"].(map[string]any)
	if policy == nil {
		policy = GenericMap{}
	}
	system, _ := policy["system"].(map[string]any)
	if system == nil {
		system = GenericMap{}
	}
	system["statsInboundUplink"] = true
	system["statsInboundDownlink"] = true
	system["statsOutboundUplink"] = true
	system["statsOutboundDownlink"] = true
	policy["system"] = system
	doc["policy"] = policy

	inbounds, _ := doc["inbounds"].([]any)
	apiInbound := GenericMap{
		"listen":   "127.0.0.1",
		"port":     port,
		"protocol": "dokodemo-door",
		"settings": GenericMap{"address": "127.0.0.1"},
		"tag":      apiInboundTag,
	}
	doc["inbounds"] = append([]any{apiInbound}, inbounds...)

	routing, _ := doc["routing"].(map[string]any)
	if routing == nil {
		routing = GenericMap{}
	}
	rules, _ := routing["rules"].([]any)
	rule := GenericMap{
		"type":        "field",
		"inboundTag":  []any{apiInboundTag},
		"outboundTag": apiOutboundTag,
	}
	routing["rules"] = append([]any{rule}, rules...)
	doc["routing"] = routing
	return doc
}

// Marshal encodes a document for the engine.
func Marshal(doc GenericMap) ([]byte, error) {
	return json.Marshal(doc)
}

// APIPort returns the port of the API inbound in an engine document.
func APIPort(data []byte) (int, error) {
	var doc struct {
		Inbounds []GenericMap `json:"inbounds"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode engine config: %w", err)
	}
	for _, in := range doc.Inbounds {
		if stringValue(in["tag"]) == apiInboundTag {
			if port := intValue(in["port"]); port > 0 {
				return port, nil
			}
		}
	}
	return 0, errors.New("engine config has no API inbound")
}

// Validate builds a document with the engine's own config loader.
func Validate(data []byte) error {
	var cfg conf.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("decode engine config: %w", err)
	}
	if _, err := cfg.Build(); err != nil {
		return fmt.Errorf("build engine config: %w", err)
	}
	return nil
}

func parseInbound(m GenericMap) (Inbound, bool, error) {
	tag, _ := m["tag"].(string)
	protocol, _ := m["protocol"].(string)
	switch model.ProxyType(protocol) {
	case model.ProxyVMess, model.ProxyVLESS, model.ProxyTrojan, model.ProxyShadowsocks:
	default:
		return Inbound{}, false, nil
	}
	if tag == "" {
		return Inbound{}, false, errors.New("user-bearing inbound without a tag")
	}
	if tag == apiInboundTag {
		return Inbound{}, false, nil
	}

	in := Inbound{
		Tag:      tag,
		Protocol: model.ProxyType(protocol),
		Port:     intValue(m["port"]),
		Network:  "tcp",
		TLS:      "none",
	}
	if settings, ok := m["settings"].(map[string]any); ok {
		in.Method = stringValue(settings["method"])
	}

	stream, _ := m["streamSettings"].(map[string]any)
	if stream == nil {
		return in, true, nil
	}
	if network := stringValue(stream["network"]); network != "" {
		in.Network = network
	}
	if security := stringValue(stream["security"]); security != "" {
		in.TLS = security
	}

	switch in.TLS {
	case "tls":
		tlsSettings, _ := stream["tlsSettings"].(map[string]any)
		if name := stringValue(tlsSettings["serverName"]); name != "" {
			in.SNI = []string{name}
		}
		in.ALPN = strings.Join(stringList(tlsSettings["alpn"]), ",")
		in.Fingerprint = stringValue(tlsSettings["fingerprint"])
		in.AllowInsecure, _ = tlsSettings["allowInsecure"].(bool)
	case "reality":
		reality, _ := stream["realitySettings"].(map[string]any)
		in.SNI = stringList(reality["serverNames"])
		in.ShortIDs = stringList(reality["shortIds"])
		in.Fingerprint = stringValue(reality["fingerprint"])
		in.SpiderX = stringValue(reality["spiderX"])
		if key := stringValue(reality["privateKey"]); key != "" {
			pbk, err := RealityPublicKey(key)
			if err != nil {
				return Inbound{}, false, fmt.Errorf("inbound %q: %w", tag, err)
			}
			in.PublicKey = pbk
		}
	}

	switch in.Network {
	case "tcp", "raw":
		sectionKey := "tcpSettings"
		if in.Network == "raw" {
			sectionKey = "rawSettings"
		}
		section, _ := stream[sectionKey].(map[string]any)
		header, _ := section["header"].(map[string]any)
		in.HeaderType = stringValue(header["type"])
		if request, ok := header["request"].(map[string]any); ok {
			if paths := stringList(request["path"]); len(paths) > 0 {
				in.Path = paths[0]
			}
			if headers, ok := request["headers"].(map[string]any); ok {
				in.Host = stringList(headers["Host"])
			}
		}
	case "ws":
		section, _ := stream["wsSettings"].(map[string]any)
		in.Path = stringValue(section["path"])
		if host := stringValue(section["host"]); host != "" {
			in.Host = []string{host}
		} else if headers, ok := section["headers"].(map[string]any); ok {
			in.Host = stringList(headers["Host"])
		}
	case "grpc":
		section, _ := stream["grpcSettings"].(map[string]any)
		in.Path = stringValue(section["serviceName"])
		in.MultiMode, _ = section["multiMode"].(bool)
	case "httpupgrade":
		section, _ := stream["httpupgradeSettings"].(map[string]any)
		in.Path = stringValue(section["path"])
		if host := stringValue(section["host"]); host != "" {
			in.Host = []string{host}
		}
	case "xhttp", "splithttp":
		section, _ := stream[in.Network+"Settings"].(map[string]any)
		in.Path = stringValue(section["path"])
		in.Mode = stringValue(section["mode"])
		if host := stringValue(section["host"]); host != "" {
			in.Host = []string{host}
		}
	case "h2", "http":
		section, _ := stream["httpSettings"].(map[string]any)
		in.Path = stringValue(section["path"])
		in.Host = stringList(section["host"])
	case "kcp", "mkcp":
		section, _ := stream["kcpSettings"].(map[string]any)
		header, _ := section["header"].(map[string]any)
		in.HeaderType = stringValue(header["type"])
		in.Path = stringValue(section["seed"])
	}
	return in, true, nil
}

// RealityPublicKey derives the client-side public key from a reality
// private key in raw URL base64.
func RealityPublicKey(privateKey string) (string, error) {
	priv, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(privateKey, "="))
	if err != nil {
		return "", fmt.Errorf("decode reality private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive reality public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

func stringList(v any) []string {
	switch value := v.(type) {
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s := stringValue(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return value
	}
	return nil
}

func intValue(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case json.Number:
		i, _ := value.Int64()
		return int(i)
	case string:
		var i int
		fmt.Sscanf(value, "%d", &i)
		return i
	}
	return 0
}

func cloneMap(src GenericMap) GenericMap {
	if src == nil {
		return nil
	}
	out := make(GenericMap, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, elem := range value {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return value
	}
}
