package subscription

import (
	"testing"

	"x-fleet/internal/config"
)

func TestDetectClient(t *testing.T) {
	plain := config.NewSettings()
	custom := config.NewSettings()
	if _, err := custom.Apply(map[string]any{config.UseCustomJSONDefault: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	links := ClientProfile{Format: FormatV2ray, Base64: true}
	jsonProfile := ClientProfile{Format: FormatV2rayJSON}

	cases := []struct {
		agent    string
		settings *config.Settings
		want     ClientProfile
	}{
		{"clash-verge/v1.3.8", plain, ClientProfile{Format: FormatClashMeta}},
		{"ClashMeta/1.0", plain, ClientProfile{Format: FormatClashMeta}},
		{"mihomo/1.18", plain, ClientProfile{Format: FormatClashMeta}},
		{"ClashX/1.95", plain, ClientProfile{Format: FormatClash}},
		{"Stash/2.4", plain, ClientProfile{Format: FormatClash}},
		{"SFA/1.8.0", plain, ClientProfile{Format: FormatSingBox}},
		{"HiddifyNext/0.14", plain, ClientProfile{Format: FormatSingBox}},
		{"okhttp singbox/1.8", plain, ClientProfile{Format: FormatSingBox}},
		{"Outline/1.10", plain, ClientProfile{Format: FormatOutline}},
		{"v2rayN/6.42", plain, links},
		{"v2rayN/6.42", custom, jsonProfile},
		{"v2rayN/6.31", custom, links},
		{"v2raytun/android", custom, ClientProfile{Format: FormatV2rayJSON, Base64: true}},
		{"v2raytun/ios", custom, jsonProfile},
		{"v2rayNG/1.8.29", custom, jsonProfile},
		{"v2rayNG/1.8.20", custom, ClientProfile{Format: FormatV2rayJSON, Reverse: true}},
		{"v2rayNG/1.8.5", custom, links},
		{"Streisand/1.6", plain, links},
		{"Streisand/1.6", custom, jsonProfile},
		{"Happ/1.11.2", custom, jsonProfile},
		{"Happ/1.10.0", custom, links},
		{"ktor-client", custom, jsonProfile},
		{"curl/8.0", plain, links},
	}
	for _, tc := range cases {
		if got := DetectClient(tc.agent, tc.settings); got != tc.want {
			t.Errorf("DetectClient(%q) = %+v, want %+v", tc.agent, got, tc.want)
		}
	}
}

func TestClientProfileFor(t *testing.T) {
	if p := ClientProfileFor(FormatV2ray); !p.Base64 {
		t.Errorf("v2ray links are served base64")
	}
	if p := ClientProfileFor(FormatClash); p.Base64 || p.Reverse {
		t.Errorf("unexpected clash profile %+v", p)
	}
}
