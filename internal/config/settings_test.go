package config

import (
	"errors"
	"reflect"
	"testing"
)

func TestSettingsDefaults(t *testing.T) {
	s := NewSettings()
	if got := s.String(SubUpdateInterval); got != "12" {
		t.Fatalf("expected default update interval 12, got %q", got)
	}
	if got := s.String(HwidDeviceLimitMode); got != "disabled" {
		t.Fatalf("expected hwid mode disabled, got %q", got)
	}
	if got := s.Int(HwidFallbackDeviceLimit); got != 1 {
		t.Fatalf("expected fallback limit 1, got %d", got)
	}
	if got := s.StatusText("on_hold"); got != "On-Hold" {
		t.Fatalf("expected On-Hold, got %q", got)
	}
}

func TestSettingsFromEnv(t *testing.T) {
	env := map[string]string{
		CustomNotesExpired:      "renew now | contact support",
		HwidDeviceLimitMode:     "true",
		HwidDeviceRetentionDays: "30",
	}
	s, err := NewSettingsFromEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("NewSettingsFromEnv failed: %v", err)
	}
	if got := s.StatusNotes("expired"); !reflect.DeepEqual(got, []string{"renew now", "contact support"}) {
		t.Fatalf("unexpected notes %v", got)
	}
	if got := s.String(HwidDeviceLimitMode); got != "enabled" {
		t.Fatalf("expected boolean-like mode to normalize to enabled, got %q", got)
	}
	if got := s.Int(HwidDeviceRetentionDays); got != 30 {
		t.Fatalf("expected retention 30, got %d", got)
	}
}

func TestSettingsApplyRejectsUnknownAndInvalid(t *testing.T) {
	s := NewSettings()

	if _, err := s.Apply(map[string]any{"NOPE": 1}); !errors.Is(err, ErrUnknownSetting) {
		t.Fatalf("expected ErrUnknownSetting, got %v", err)
	}
	if _, err := s.Apply(map[string]any{HwidDeviceLimitMode: "sometimes"}); err == nil {
		t.Fatalf("expected error for value outside allowed set")
	}
	if _, err := s.Apply(map[string]any{JobCoreHealthCheckInterval: 2.5}); err == nil {
		t.Fatalf("expected error for fractional integer")
	}

	_, err := s.Apply(map[string]any{
		HideDefaultHostsWhenCustom: "yes",
		SubProfileTitle:            "Fleet",
		HwidFallbackDeviceLimit:    "oops",
	})
	if err == nil {
		t.Fatalf("expected batch with one invalid value to fail")
	}
	if s.Bool(HideDefaultHostsWhenCustom) || s.String(SubProfileTitle) != "Subscription" {
		t.Fatalf("failed batch must not partially apply")
	}
}

func TestSettingsApplyParsesTypes(t *testing.T) {
	s := NewSettings()
	parsed, err := s.Apply(map[string]any{
		HideDefaultHostsWhenCustom: true,
		CustomNotesLimited:         []any{" a ", "", "b"},
		HwidFallbackDeviceLimit:    float64(3),
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !s.Bool(HideDefaultHostsWhenCustom) {
		t.Fatalf("expected hide-defaults switch on")
	}
	if got := parsed[CustomNotesLimited]; !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected list %v", got)
	}
	if s.Int(HwidFallbackDeviceLimit) != 3 {
		t.Fatalf("expected limit 3")
	}
}

func TestParseCustomHeaders(t *testing.T) {
	headers, err := ParseCustomHeaders(`[{"name":"x-brand","value":"fleet","user_agent":"^Happ"}]`)
	if err != nil {
		t.Fatalf("ParseCustomHeaders failed: %v", err)
	}
	if len(headers) != 1 || headers[0].Name != "x-brand" {
		t.Fatalf("unexpected headers %+v", headers)
	}
	if _, err := ParseCustomHeaders(`[{"name":"x","user_agent":"("}]`); err == nil {
		t.Fatalf("expected invalid regexp to be rejected")
	}
	if _, err := NewSettings().Apply(map[string]any{CustomHeaders: "not json"}); err == nil {
		t.Fatalf("expected malformed custom headers to be rejected")
	}
}
