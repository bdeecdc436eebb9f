package subscription

import (
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand/v2"
	"slices"
	"strings"

	"x-fleet/internal/config"
	"x-fleet/internal/model"
	"x-fleet/internal/xray"
)

const (
	defaultHostRemark  = "🚀 Marz ({USERNAME}) [{PROTOCOL} - {TRANSPORT}]"
	defaultHostAddress = "{SERVER_IP}"
)

// Params are the effective connection parameters of one entry after host
// overrides have been applied to the inbound.
type Params struct {
	Network         string
	TLS             string
	Port            int
	SNI             string
	Host            string
	Path            string
	HeaderType      string
	ALPN            string
	Fingerprint     string
	AllowInsecure   bool
	PublicKey       string
	ShortID         string
	SpiderX         string
	MultiMode       bool
	Mode            string
	Method          string
	MuxEnable       bool
	FragmentSetting string
	NoiseSetting    string
	RandomUserAgent bool
	OutboundTag     string
	BalancerTags    []string
	MergePrimary    bool
}

// JSONOnly reports whether the entry routes through a balancer and so can
// only be expressed in a full client config.
func (p Params) JSONOnly() bool {
	return p.OutboundTag != "" && hasBalancerTags(p.BalancerTags)
}

// Entry is one resolved endpoint handed to a renderer.
type Entry struct {
	Remark   string
	Address  string
	Protocol model.ProxyType
	Settings model.ProxySettings
	Params   Params

	vars Variables
}

// Resolver turns a user's proxies and the host overrides into ordered entries.
type Resolver struct {
	config   *xray.Config
	settings *config.Settings
}

func NewResolver(cfg *xray.Config, settings *config.Settings) *Resolver {
	return &Resolver{config: cfg, settings: settings}
}

// Resolve computes the entries of u for format f. hosts maps inbound tags
// to their override rows; a tag without rows gets the default host.
func (r *Resolver) Resolve(u *model.User, vars Variables, hosts map[string][]model.ProxyHost, f Format, reverse bool) []Entry {
	proxies := make(map[model.ProxyType]model.ProxySettings, len(u.Proxies))
	for _, p := range u.Proxies {
		proxies[p.Type] = p.Settings.Data()
	}
	entitled := r.config.UserInbounds(u.Proxies)
	hideDefaults := r.settings.Bool(config.HideDefaultHostsWhenCustom)

	var entries []Entry
	for _, inbound := range r.config.Inbounds() {
		settings, ok := proxies[inbound.Protocol]
		if !ok || !slices.Contains(entitled[inbound.Protocol], inbound.Tag) {
			continue
		}
		tagVars := vars.With("PROTOCOL", string(inbound.Protocol), "TRANSPORT", inbound.Network)

		for _, host := range r.hostsFor(inbound.Tag, hosts[inbound.Tag], f, hideDefaults) {
			if !f.SupportsJSONOnlyHosts() && isJSONOnlyHost(host) {
				continue
			}
			entries = append(entries, resolveEntry(inbound, host, settings, tagVars))
		}
	}

	if notes := r.settings.StatusNotes(string(u.Status)); len(notes) > 0 {
		entries = applyNotes(entries, notes, reverse, hideDefaults)
	}
	return entries
}

func (r *Resolver) hostsFor(tag string, rows []model.ProxyHost, f Format, hideDefaults bool) []model.ProxyHost {
	if len(rows) == 0 {
		return []model.ProxyHost{{
			InboundTag: tag,
			Remark:     defaultHostRemark,
			Address:    []string{defaultHostAddress},
			Security:   model.HostSecurityInboundDefault,
		}}
	}

	var defaults, custom []model.ProxyHost
	for _, h := range rows {
		if h.IsDisabled || !allowsFormat(h, f) {
			continue
		}
		if isDefaultHost(h) {
			defaults = append(defaults, h)
		} else {
			custom = append(custom, h)
		}
	}
	out := defaults
	if len(custom) > 0 {
		out = custom
		if !hideDefaults {
			out = append(custom, defaults...)
		}
	}
	if f.SupportsJSONOnlyHosts() {
		slices.SortStableFunc(out, func(a, b model.ProxyHost) int {
			return boolRank(mergeCandidate(a)) - boolRank(mergeCandidate(b))
		})
	}
	return out
}

func resolveEntry(inbound xray.Inbound, host model.ProxyHost, settings model.ProxySettings, vars Variables) Entry {
	p := Params{
		Network:         inbound.Network,
		TLS:             inbound.TLS,
		Port:            inbound.Port,
		HeaderType:      inbound.HeaderType,
		ALPN:            host.ALPN,
		Fingerprint:     firstNonEmpty(host.Fingerprint, inbound.Fingerprint),
		AllowInsecure:   inbound.AllowInsecure,
		PublicKey:       inbound.PublicKey,
		SpiderX:         inbound.SpiderX,
		MultiMode:       inbound.MultiMode,
		Mode:            inbound.Mode,
		Method:          inbound.Method,
		MuxEnable:       host.MuxEnable,
		FragmentSetting: host.FragmentSetting,
		NoiseSetting:    host.NoiseSetting,
		RandomUserAgent: host.RandomUserAgent,
		BalancerTags:    []string(host.BalancerTags),
		MergePrimary:    host.MergePrimary,
	}
	if host.Port != nil && *host.Port != 0 {
		p.Port = *host.Port
	}
	if host.Security != model.HostSecurityInboundDefault && host.Security != "" {
		p.TLS = string(host.Security)
	}
	if host.AllowInsecure != nil && *host.AllowInsecure {
		p.AllowInsecure = true
	}
	if host.OutboundTag != nil {
		p.OutboundTag = *host.OutboundTag
	}
	if len(inbound.ShortIDs) > 0 {
		p.ShortID = pick(inbound.ShortIDs)
	}

	p.SNI = pickSalted(firstList(host.SNI, inbound.SNI))
	p.Host = pickSalted(firstList(host.Host, inbound.Host))
	if host.UseSNIAsHost && p.SNI != "" {
		p.Host = p.SNI
	}
	if host.Path != nil {
		p.Path = vars.Format(*host.Path)
	} else {
		p.Path = vars.Format(inbound.Path)
	}

	return Entry{
		Remark:   vars.Format(host.Remark),
		Address:  vars.Format(pickSalted(host.Address)),
		Protocol: inbound.Protocol,
		Settings: settings,
		Params:   p,
		vars:     vars,
	}
}

// applyNotes overrides remarks with status notes: the first len(notes)
// entries, or the last ones walking backwards when reversed. With
// hideDefaults set only the overridden entries survive.
func applyNotes(entries []Entry, notes []string, reverse, hideDefaults bool) []Entry {
	total := len(entries)
	var targets []int
	if reverse {
		for i := total - 1; i >= max(total-len(notes), 0); i-- {
			targets = append(targets, i)
		}
	} else {
		for i := 0; i < min(total, len(notes)); i++ {
			targets = append(targets, i)
		}
	}
	for n, idx := range targets {
		entries[idx].Remark = entries[idx].vars.Format(notes[n])
	}
	if !hideDefaults {
		return entries
	}
	kept := make([]Entry, 0, len(targets))
	for i, e := range entries {
		if slices.Contains(targets, i) {
			kept = append(kept, e)
		}
	}
	return kept
}

// isDefaultHost matches the row created automatically for every inbound.
func isDefaultHost(h model.ProxyHost) bool {
	if h.Remark != defaultHostRemark || len(h.Address) != 1 {
		return false
	}
	return h.Address[0] == "{SERVER_IP}" || h.Address[0] == "{SERVER_IPV6}"
}

func isJSONOnlyHost(h model.ProxyHost) bool {
	return h.OutboundTag != nil && *h.OutboundTag != "" && hasBalancerTags(h.BalancerTags)
}

func mergeCandidate(h model.ProxyHost) bool {
	return h.MergePrimary && h.OutboundTag != nil && *h.OutboundTag != "" && len(h.BalancerTags) > 0
}

func allowsFormat(h model.ProxyHost, f Format) bool {
	return len(h.SubscriptionTypes) == 0 || slices.Contains([]string(h.SubscriptionTypes), string(f))
}

func hasBalancerTags(tags []string) bool {
	for _, t := range tags {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

func pickSalted(values []string) string {
	if len(values) == 0 {
		return ""
	}
	v := pick(values)
	if strings.Contains(v, "*") {
		v = strings.ReplaceAll(v, "*", randomHex(8))
	}
	return v
}

func pick(values []string) string {
	return values[mrand.IntN(len(values))]
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func firstList(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
