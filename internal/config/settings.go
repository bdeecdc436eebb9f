package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

var ErrUnknownSetting = errors.New("unknown setting")

type ValueType string

const (
	TypeBool       ValueType = "bool"
	TypeInt        ValueType = "int"
	TypeString     ValueType = "str"
	TypeIntList    ValueType = "list[int]"
	TypeStringList ValueType = "list[str]"
)

// Definition describes one runtime setting.
type Definition struct {
	Key             string
	Type            ValueType
	Default         any
	RequiresRestart bool
	Delimiter       string
	AllowedValues   []string
	Check           func(any) error
}

const (
	ActiveStatusText   = "ACTIVE_STATUS_TEXT"
	ExpiredStatusText  = "EXPIRED_STATUS_TEXT"
	LimitedStatusText  = "LIMITED_STATUS_TEXT"
	DisabledStatusText = "DISABLED_STATUS_TEXT"
	OnHoldStatusText   = "ONHOLD_STATUS_TEXT"

	SubUpdateInterval = "SUB_UPDATE_INTERVAL"
	SubSupportURL     = "SUB_SUPPORT_URL"
	SubProfileTitle   = "SUB_PROFILE_TITLE"

	HideDefaultHostsWhenCustom = "SUBSCRIPTION_HIDE_DEFAULT_HOSTS_WHEN_CUSTOM_HOSTS"
	CustomNotesExpired         = "SUBSCRIPTION_CUSTOM_NOTES_EXPIRED"
	CustomNotesLimited         = "SUBSCRIPTION_CUSTOM_NOTES_LIMITED"
	CustomNotesDisabled        = "SUBSCRIPTION_CUSTOM_NOTES_DISABLED"
	CustomNotesHwidLimit       = "SUBSCRIPTION_CUSTOM_NOTES_HWID_LIMIT"
	CustomHeaders              = "SUBSCRIPTION_CUSTOM_HEADERS"

	UseCustomJSONDefault   = "USE_CUSTOM_JSON_DEFAULT"
	UseCustomJSONV2rayN    = "USE_CUSTOM_JSON_FOR_V2RAYN"
	UseCustomJSONV2rayNG   = "USE_CUSTOM_JSON_FOR_V2RAYNG"
	UseCustomJSONStreisand = "USE_CUSTOM_JSON_FOR_STREISAND"
	UseCustomJSONHapp      = "USE_CUSTOM_JSON_FOR_HAPP"
	UseCustomJSONNpvTunnel = "USE_CUSTOM_JSON_FOR_NPVTUNNEL"

	HwidDeviceLimitMode     = "HWID_DEVICE_LIMIT_ENABLED"
	HwidFallbackDeviceLimit = "HWID_FALLBACK_DEVICE_LIMIT"
	HwidDeviceRetentionDays = "HWID_DEVICE_RETENTION_DAYS"

	JobCoreHealthCheckInterval     = "JOB_CORE_HEALTH_CHECK_INTERVAL"
	JobCoreHealthCheckMaxInstances = "JOB_CORE_HEALTH_CHECK_MAX_INSTANCES"
	JobHwidDeviceCleanupInterval   = "JOB_HWID_DEVICE_CLEANUP_INTERVAL"
)

// Definitions is the registry of every runtime setting, in display order.
var Definitions = []Definition{
	{Key: ActiveStatusText, Type: TypeString, Default: "Active"},
	{Key: ExpiredStatusText, Type: TypeString, Default: "Expired"},
	{Key: LimitedStatusText, Type: TypeString, Default: "Limited"},
	{Key: DisabledStatusText, Type: TypeString, Default: "Disabled"},
	{Key: OnHoldStatusText, Type: TypeString, Default: "On-Hold"},
	{Key: SubUpdateInterval, Type: TypeString, Default: "12"},
	{Key: SubSupportURL, Type: TypeString, Default: "https://t.me/"},
	{Key: SubProfileTitle, Type: TypeString, Default: "Subscription"},
	{Key: HideDefaultHostsWhenCustom, Type: TypeBool, Default: false},
	{Key: CustomNotesExpired, Type: TypeStringList, Default: []string{}, Delimiter: "|"},
	{Key: CustomNotesLimited, Type: TypeStringList, Default: []string{}, Delimiter: "|"},
	{Key: CustomNotesDisabled, Type: TypeStringList, Default: []string{}, Delimiter: "|"},
	{Key: CustomNotesHwidLimit, Type: TypeStringList, Default: []string{}, Delimiter: "|"},
	{Key: CustomHeaders, Type: TypeString, Default: "", Check: checkCustomHeaders},
	{Key: UseCustomJSONDefault, Type: TypeBool, Default: false},
	{Key: UseCustomJSONV2rayN, Type: TypeBool, Default: false},
	{Key: UseCustomJSONV2rayNG, Type: TypeBool, Default: false},
	{Key: UseCustomJSONStreisand, Type: TypeBool, Default: false},
	{Key: UseCustomJSONHapp, Type: TypeBool, Default: false},
	{Key: UseCustomJSONNpvTunnel, Type: TypeBool, Default: false},
	{Key: HwidDeviceLimitMode, Type: TypeString, Default: "disabled", AllowedValues: []string{"enabled", "disabled", "logging"}},
	{Key: HwidFallbackDeviceLimit, Type: TypeInt, Default: 1},
	{Key: HwidDeviceRetentionDays, Type: TypeInt, Default: -1},
	{Key: JobCoreHealthCheckInterval, Type: TypeInt, Default: 10, RequiresRestart: true},
	{Key: JobCoreHealthCheckMaxInstances, Type: TypeInt, Default: 10, RequiresRestart: true},
	{Key: JobHwidDeviceCleanupInterval, Type: TypeInt, Default: 3600, RequiresRestart: true},
}

var definitionsByKey = func() map[string]Definition {
	m := make(map[string]Definition, len(Definitions))
	for _, d := range Definitions {
		m[d.Key] = d
	}
	return m
}()

// Lookup returns the definition registered under key.
func Lookup(key string) (Definition, bool) {
	d, ok := definitionsByKey[key]
	return d, ok
}

// Parse converts a raw value (from JSON, TOML, env or the database) into
// the definition's Go type: bool, int, string, []int or []string.
func (d Definition) Parse(value any) (any, error) {
	var (
		parsed any
		err    error
	)
	switch d.Type {
	case TypeBool:
		parsed, err = parseBool(value)
	case TypeInt:
		parsed, err = parseInt(value)
	case TypeString:
		var s string
		if value != nil {
			s = fmt.Sprint(value)
		}
		if len(d.AllowedValues) > 0 {
			s = normalizeMode(s)
			if !contains(d.AllowedValues, s) {
				return nil, fmt.Errorf("value must be one of %s", strings.Join(d.AllowedValues, ", "))
			}
		}
		parsed = s
	case TypeIntList:
		var items []string
		items, err = parseList(value, d.delimiter())
		if err == nil {
			ints := make([]int, 0, len(items))
			for _, item := range items {
				n, convErr := strconv.Atoi(item)
				if convErr != nil {
					return nil, fmt.Errorf("invalid integer %q", item)
				}
				ints = append(ints, n)
			}
			parsed = ints
		}
	case TypeStringList:
		parsed, err = parseList(value, d.delimiter())
	default:
		return nil, fmt.Errorf("unsupported setting type %s", d.Type)
	}
	if err != nil {
		return nil, err
	}
	if d.Check != nil {
		if err := d.Check(parsed); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}

func (d Definition) delimiter() string {
	if d.Delimiter == "" {
		return ","
	}
	return d.Delimiter
}

func parseBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on", "enabled":
			return true, nil
		case "false", "0", "no", "off", "disabled":
			return false, nil
		}
	}
	return false, errors.New("invalid boolean value")
}

func parseInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.New("invalid integer value")
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.New("invalid integer value")
		}
		return n, nil
	}
	return 0, errors.New("invalid integer value")
}

func parseList(value any, delimiter string) ([]string, error) {
	var raw []string
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	case []int:
		for _, item := range v {
			raw = append(raw, strconv.Itoa(item))
		}
	case string:
		for _, line := range strings.Split(v, "\n") {
			raw = append(raw, strings.Split(line, delimiter)...)
		}
	default:
		return nil, errors.New("invalid list value")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// normalizeMode accepts boolean-like spellings for the device-limit mode.
func normalizeMode(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on", "enabled":
		return "enabled"
	case "false", "0", "no", "off", "disabled", "":
		return "disabled"
	case "logging", "log":
		return "logging"
	}
	return s
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// CustomHeader is one entry of SUBSCRIPTION_CUSTOM_HEADERS.
type CustomHeader struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	UserAgent string `json:"user_agent"`
}

// ParseCustomHeaders decodes the JSON list stored in SUBSCRIPTION_CUSTOM_HEADERS.
func ParseCustomHeaders(raw string) ([]CustomHeader, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var headers []CustomHeader
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("invalid custom headers: %w", err)
	}
	for _, h := range headers {
		if strings.TrimSpace(h.Name) == "" {
			return nil, errors.New("invalid custom headers: header name is required")
		}
		if h.UserAgent != "" {
			if _, err := regexp.Compile(h.UserAgent); err != nil {
				return nil, fmt.Errorf("invalid custom headers: %w", err)
			}
		}
	}
	return headers, nil
}

func checkCustomHeaders(v any) error {
	_, err := ParseCustomHeaders(v.(string))
	return err
}

// Settings is the live, concurrency-safe view of every runtime setting.
type Settings struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSettings returns a store holding every definition's default.
func NewSettings() *Settings {
	values := make(map[string]any, len(Definitions))
	for _, d := range Definitions {
		values[d.Key] = d.Default
	}
	return &Settings{values: values}
}

// NewSettingsFromEnv seeds defaults and then any variables present in the environment.
func NewSettingsFromEnv(lookup func(string) (string, bool)) (*Settings, error) {
	s := NewSettings()
	for _, d := range Definitions {
		raw, ok := lookup(d.Key)
		if !ok {
			continue
		}
		parsed, err := d.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Key, err)
		}
		s.values[d.Key] = parsed
	}
	return s, nil
}

// Apply validates every entry first and only then stores them, so a bad
// value leaves the store untouched. It returns the parsed values.
func (s *Settings) Apply(raw map[string]any) (map[string]any, error) {
	parsed := make(map[string]any, len(raw))
	for key, value := range raw {
		d, ok := Lookup(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
		}
		v, err := d.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		parsed[key] = v
	}

	s.mu.Lock()
	for key, v := range parsed {
		s.values[key] = v
	}
	s.mu.Unlock()
	return parsed, nil
}

// Values returns a copy of every current value keyed by setting name.
func (s *Settings) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the registered setting keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(Definitions))
	for _, d := range Definitions {
		keys = append(keys, d.Key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Settings) get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

func (s *Settings) Bool(key string) bool {
	v, _ := s.get(key).(bool)
	return v
}

func (s *Settings) Int(key string) int {
	v, _ := s.get(key).(int)
	return v
}

func (s *Settings) String(key string) string {
	v, _ := s.get(key).(string)
	return v
}

// Strings returns a copy of a list[str] setting.
func (s *Settings) Strings(key string) []string {
	v, _ := s.get(key).([]string)
	return append([]string(nil), v...)
}

// StatusNotes returns the custom remarks configured for a user status or
// for the synthetic "hwid_limit" category.
func (s *Settings) StatusNotes(category string) []string {
	switch category {
	case "expired":
		return s.Strings(CustomNotesExpired)
	case "limited":
		return s.Strings(CustomNotesLimited)
	case "disabled":
		return s.Strings(CustomNotesDisabled)
	case "hwid_limit":
		return s.Strings(CustomNotesHwidLimit)
	}
	return nil
}

// StatusText returns the configured STATUS_TEXT template for a user status.
func (s *Settings) StatusText(status string) string {
	switch status {
	case "active":
		return s.String(ActiveStatusText)
	case "expired":
		return s.String(ExpiredStatusText)
	case "limited":
		return s.String(LimitedStatusText)
	case "disabled":
		return s.String(DisabledStatusText)
	case "on_hold":
		return s.String(OnHoldStatusText)
	}
	return ""
}
