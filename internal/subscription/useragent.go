package subscription

import (
	"regexp"
	"strings"

	"x-fleet/internal/config"

	"golang.org/x/mod/semver"
)

// ClientProfile is how a subscription is rendered for a given client.
type ClientProfile struct {
	Format  Format
	Base64  bool
	Reverse bool
}

var (
	clashMetaAgent = regexp.MustCompile(`^([Cc]lash-verge|[Cc]lash[-.]?[Mm]eta|[Ff][Ll][Cc]lash|[Mm]ihomo)`)
	clashAgent     = regexp.MustCompile(`^([Cc]lash|[Ss]tash)`)
	singBoxAgent   = regexp.MustCompile(`(?i)^(SFA|SFI|SFM|SFT|karing|hiddifynext)|.*sing[-b]?ox.*`)
	outlineAgent   = regexp.MustCompile(`^(SS|SSR|SSD|SSS|Outline|Shadowsocks|SSconf)`)
	v2rayNAgent    = regexp.MustCompile(`^v2rayN/(\d+\.\d+)`)
	v2raytunDroid  = regexp.MustCompile(`^v2raytun/android`)
	v2raytunIOS    = regexp.MustCompile(`^v2raytun/ios`)
	v2rayNGAgent   = regexp.MustCompile(`^v2rayNG/(\d+\.\d+\.\d+)`)
	streisandAgent = regexp.MustCompile(`^[Ss]treisand`)
	happAgent      = regexp.MustCompile(`^Happ/(\d+\.\d+\.\d+)`)
)

// ClientProfileFor returns the profile of a fixed client type.
func ClientProfileFor(f Format) ClientProfile {
	return ClientProfile{Format: f, Base64: f == FormatV2ray}
}

// DetectClient picks the format for a user agent. JSON configs are only
// handed to v2ray clients when the matching USE_CUSTOM_JSON switch is on.
func DetectClient(userAgent string, settings *config.Settings) ClientProfile {
	links := ClientProfile{Format: FormatV2ray, Base64: true}
	jsonConfig := ClientProfile{Format: FormatV2rayJSON}
	customJSON := func(key string) bool {
		return settings.Bool(config.UseCustomJSONDefault) || settings.Bool(key)
	}

	switch {
	case clashMetaAgent.MatchString(userAgent):
		return ClientProfile{Format: FormatClashMeta}
	case clashAgent.MatchString(userAgent):
		return ClientProfile{Format: FormatClash}
	case singBoxAgent.MatchString(userAgent):
		return ClientProfile{Format: FormatSingBox}
	case outlineAgent.MatchString(userAgent):
		return ClientProfile{Format: FormatOutline}
	}

	if customJSON(config.UseCustomJSONV2rayN) {
		if m := v2rayNAgent.FindStringSubmatch(userAgent); m != nil {
			if versionAtLeast(m[1], "6.40") {
				return jsonConfig
			}
			return links
		}
		if v2raytunDroid.MatchString(userAgent) {
			return ClientProfile{Format: FormatV2rayJSON, Base64: true}
		}
		if v2raytunIOS.MatchString(userAgent) {
			return jsonConfig
		}
	}
	if customJSON(config.UseCustomJSONV2rayNG) {
		if m := v2rayNGAgent.FindStringSubmatch(userAgent); m != nil {
			switch {
			case versionAtLeast(m[1], "1.8.29"):
				return jsonConfig
			case versionAtLeast(m[1], "1.8.18"):
				return ClientProfile{Format: FormatV2rayJSON, Reverse: true}
			}
			return links
		}
	}
	if streisandAgent.MatchString(userAgent) {
		if customJSON(config.UseCustomJSONStreisand) {
			return jsonConfig
		}
		return links
	}
	if customJSON(config.UseCustomJSONHapp) {
		if m := happAgent.FindStringSubmatch(userAgent); m != nil {
			if versionAtLeast(m[1], "1.11.0") {
				return jsonConfig
			}
			return links
		}
	}
	if customJSON(config.UseCustomJSONNpvTunnel) && strings.Contains(userAgent, "ktor-client") {
		return jsonConfig
	}
	return links
}

// versionAtLeast compares dotted numeric versions such as "6.40" and "1.8.29".
func versionAtLeast(version, minimum string) bool {
	return semver.Compare("v"+version, "v"+minimum) >= 0
}
