package subscription

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/model"

	"github.com/dustin/go-humanize"
	ptime "github.com/yaa110/go-persian-calendar"
)

const (
	infinity           = "∞"
	missingPlaceholder = "<missing>"
)

var statusEmojis = map[model.UserStatus]string{
	model.UserStatusActive:   "✅",
	model.UserStatusExpired:  "⌛️",
	model.UserStatusLimited:  "🪫",
	model.UserStatusDisabled: "❌",
	model.UserStatusOnHold:   "🔌",
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ServerInfo carries the public addresses substituted for SERVER_IP and SERVER_IPV6.
type ServerInfo struct {
	IP   string
	IPv6 string
}

// Variables are the placeholders available to remarks, addresses, paths
// and notes. Unknown placeholders render as "<missing>".
type Variables map[string]string

// Format substitutes every {NAME} placeholder in template.
func (v Variables) Format(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		if value, ok := v[m[1:len(m)-1]]; ok {
			return value
		}
		return missingPlaceholder
	})
}

// With returns a copy with extra values set.
func (v Variables) With(kv ...string) Variables {
	out := make(Variables, len(v)+len(kv)/2)
	for k, val := range v {
		out[k] = val
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// NewVariables computes the per-user variable set at now.
func NewVariables(u *model.User, server ServerInfo, settings *config.Settings, now time.Time) Variables {
	var daysLeft, timeLeft, expireDate, jalaliDate string

	if u.Status != model.UserStatusOnHold {
		if u.Expire != nil && *u.Expire >= 0 {
			expireAt := time.Unix(*u.Expire, 0).UTC()
			expireDate = expireAt.Format("2006-01-02")
			jalaliDate = ptime.New(expireAt).Format("yyyy-MM-dd")
			if now.Unix() < *u.Expire {
				daysLeft = strconv.Itoa(int(expireAt.Sub(now).Hours()/24) + 1)
				timeLeft = FormatTimeLeft(*u.Expire - now.Unix())
			} else {
				daysLeft, timeLeft = "0", "0"
			}
		} else {
			daysLeft, timeLeft, expireDate, jalaliDate = infinity, infinity, infinity, infinity
		}
	} else {
		if u.OnHoldExpireDuration != nil && *u.OnHoldExpireDuration >= 0 {
			daysLeft = strconv.FormatInt(*u.OnHoldExpireDuration/86400, 10)
			timeLeft = FormatTimeLeft(*u.OnHoldExpireDuration)
			expireDate, jalaliDate = "-", "-"
		} else {
			daysLeft, timeLeft, expireDate, jalaliDate = infinity, infinity, infinity, infinity
		}
	}

	dataLimit, dataLeft, usage := infinity, infinity, infinity
	if u.DataLimit != nil && *u.DataLimit > 0 {
		limit := *u.DataLimit
		dataLimit = readableSize(limit)
		dataLeft = readableSize(max(limit-u.UsedTraffic, 0))
		usage = percentage(float64(u.UsedTraffic) / float64(limit) * 100)
	}

	vars := Variables{
		"SERVER_IP":          server.IP,
		"SERVER_IPV6":        server.IPv6,
		"USERNAME":           u.Username,
		"DATA_USAGE":         readableSize(u.UsedTraffic),
		"DATA_LIMIT":         dataLimit,
		"DATA_LEFT":          dataLeft,
		"DAYS_LEFT":          daysLeft,
		"EXPIRE_DATE":        expireDate,
		"JALALI_EXPIRE_DATE": jalaliDate,
		"TIME_LEFT":          timeLeft,
		"STATUS_EMOJI":       statusEmojis[u.Status],
		"USAGE_PERCENTAGE":   usage,
	}
	statusText := ""
	if settings != nil {
		statusText = vars.Format(settings.StatusText(string(u.Status)))
	}
	vars["STATUS_TEXT"] = statusText
	return vars
}

// FormatTimeLeft renders a duration in seconds as "1m 2d", using 30-day
// months. Hours are shown under a week, minutes and seconds only when
// less than a day remains.
func FormatTimeLeft(seconds int64) string {
	if seconds <= 0 {
		return infinity
	}
	minutes, secs := seconds/60, seconds%60
	hours, minutes := minutes/60, minutes%60
	days, hours := hours/24, hours%24
	months, days := days/30, days%30

	var parts []string
	if months > 0 {
		parts = append(parts, fmt.Sprintf("%dm", months))
	}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 && days < 7 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 && months == 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if secs > 0 && months == 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	return strings.Join(parts, " ")
}

func readableSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}

// percentage rounds to two decimals without trailing zeros, keeping at
// least one decimal: 20 -> "20.0", 12.346 -> "12.35".
func percentage(v float64) string {
	out := strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}
