package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/database"
	"x-fleet/internal/hwid"
	"x-fleet/internal/model"
	"x-fleet/internal/xray"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func createUser(t *testing.T, db *gorm.DB, name string, status model.UserStatus, proxies ...model.Proxy) *model.User {
	t.Helper()
	u := &model.User{
		Username: name,
		Status:   status,
		SubToken: "token-" + name,
		Proxies:  proxies,
	}
	if err := NewUserService(db).Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func vmessProxy(id string) model.Proxy {
	return model.Proxy{
		Type:     model.ProxyVMess,
		Settings: datatypes.NewJSONType(model.ProxySettings{ID: id}),
	}
}

func TestNodeStatusLifecycle(t *testing.T) {
	db := openTestDB(t)
	nodes := NewNodeService(db)
	ctx := context.Background()

	n := &model.Node{Name: "de-1", Address: "10.0.0.1", APIPort: 62050}
	if err := nodes.UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if n.ID == 0 || n.Status != model.NodeStatusConnecting {
		t.Fatalf("unexpected node after insert: %+v", n)
	}

	if err := nodes.UpdateNodeStatus(ctx, n.ID, model.NodeStatusConnected, "", "1.8.24"); err != nil {
		t.Fatalf("UpdateNodeStatus: %v", err)
	}
	got, err := nodes.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Status != model.NodeStatusConnected || got.XrayVersion != "1.8.24" || got.LastStatusChange == nil {
		t.Fatalf("status not persisted: %+v", got)
	}

	if err := nodes.UpdateNodeStatus(ctx, n.ID, model.NodeStatusDisabled, "", ""); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := nodes.UpdateNodeStatus(ctx, n.ID, model.NodeStatusConnected, "", "1.8.24"); err != nil {
		t.Fatalf("UpdateNodeStatus on disabled: %v", err)
	}
	got, _ = nodes.GetNode(ctx, n.ID)
	if got.Status != model.NodeStatusDisabled {
		t.Fatalf("disabled node changed to %s", got.Status)
	}

	enabled, err := nodes.ListEnabledNodes(ctx)
	if err != nil || len(enabled) != 0 {
		t.Fatalf("ListEnabledNodes = %d nodes, %v", len(enabled), err)
	}

	summary, err := nodes.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.TotalNodes != 1 || summary.DisabledNodes != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := nodes.GetNode(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetNode(999) error = %v, want ErrNotFound", err)
	}
}

func TestUpsertNodeUpdatesByName(t *testing.T) {
	db := openTestDB(t)
	nodes := NewNodeService(db)
	ctx := context.Background()

	if err := nodes.UpsertNode(ctx, &model.Node{Name: "nl-1", Address: "10.0.0.2"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := nodes.UpsertNode(ctx, &model.Node{Name: "nl-1", Address: "10.0.0.3"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	all, err := nodes.GetAllNodes(ctx)
	if err != nil {
		t.Fatalf("GetAllNodes: %v", err)
	}
	if len(all) != 1 || all[0].Address != "10.0.0.3" {
		t.Fatalf("unexpected nodes after upsert: %+v", all)
	}
	if len(all[0].SecretKey) != 64 {
		t.Fatalf("expected a generated secret, got %q", all[0].SecretKey)
	}
	secret := all[0].SecretKey

	if err := nodes.UpsertNode(ctx, &model.Node{Name: "nl-1", Address: "10.0.0.4"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ := nodes.GetNode(ctx, all[0].ID)
	if got.SecretKey != secret || got.Address != "10.0.0.4" {
		t.Fatalf("upsert without secret must keep the stored one: %+v", got)
	}
}

func TestUserLookups(t *testing.T) {
	db := openTestDB(t)
	users := NewUserService(db)
	ctx := context.Background()

	createUser(t, db, "alice", model.UserStatusActive, vmessProxy("0b7a3b6e-6c2f-4a53-9d1e-2f1c0f7c8a11"))
	createUser(t, db, "bob", model.UserStatusOnHold, vmessProxy("8c1f0e5a-2b7d-4f9e-a3c6-5d4e3f2a1b00"))
	createUser(t, db, "carol", model.UserStatusExpired)

	u, err := users.GetByToken(ctx, "token-alice")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if u.Username != "alice" || len(u.Proxies) != 1 || u.Proxies[0].Settings.Data().ID == "" {
		t.Fatalf("proxies not preloaded: %+v", u)
	}
	if _, err := users.GetByUsername(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByUsername(nobody) error = %v", err)
	}

	active, err := users.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	var names []string
	for _, a := range active {
		names = append(names, a.Username)
	}
	if strings.Join(names, ",") != "alice,bob" {
		t.Fatalf("ActiveUsers = %v", names)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := users.UpdateSubscription(ctx, u.ID, "v2rayN/6.42", at); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}
	u, _ = users.GetByUsername(ctx, "alice")
	if u.SubLastUserAgent != "v2rayN/6.42" || u.SubUpdatedAt == nil || !u.SubUpdatedAt.Equal(at) {
		t.Fatalf("subscription fetch not recorded: %+v", u)
	}
}

func TestUsagesGroupedByNode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "alice", model.UserStatusActive)
	n := &model.Node{Name: "de-1", Address: "10.0.0.1"}
	if err := NewNodeService(db).UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []model.NodeUserUsage{
		{CreatedAt: base.Add(time.Hour), UserID: u.ID, UsedTraffic: 100},
		{CreatedAt: base.Add(2 * time.Hour), UserID: u.ID, UsedTraffic: 50},
		{CreatedAt: base.Add(time.Hour), UserID: u.ID, NodeID: &n.ID, UsedTraffic: 7},
		{CreatedAt: base.Add(-48 * time.Hour), UserID: u.ID, NodeID: &n.ID, UsedTraffic: 1000},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed usages: %v", err)
	}

	usages, err := NewUserService(db).Usages(ctx, u.ID, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Usages: %v", err)
	}
	if len(usages) != 2 {
		t.Fatalf("expected 2 groups, got %+v", usages)
	}
	totals := map[string]int64{}
	for _, usage := range usages {
		totals[usage.NodeName] = usage.UsedTraffic
	}
	if totals["Master"] != 150 || totals["de-1"] != 7 {
		t.Fatalf("unexpected totals %v", totals)
	}
}

func TestHostsByTagOrdersByPriority(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostService(db)
	ctx := context.Background()

	for _, h := range []model.ProxyHost{
		{InboundTag: "VMESS_TCP", Remark: "second", Address: datatypes.JSONSlice[string]{"b.example.com"}, Priority: 2},
		{InboundTag: "VMESS_TCP", Remark: "first", Address: datatypes.JSONSlice[string]{"a.example.com"}, Priority: 1},
		{InboundTag: "SS_TCP", Remark: "ss", Address: datatypes.JSONSlice[string]{"c.example.com"}},
	} {
		h := h
		if err := hosts.Create(ctx, &h); err != nil {
			t.Fatalf("create host: %v", err)
		}
	}

	byTag, err := hosts.HostsByTag(ctx)
	if err != nil {
		t.Fatalf("HostsByTag: %v", err)
	}
	vmess := byTag["VMESS_TCP"]
	if len(vmess) != 2 || vmess[0].Remark != "first" || vmess[1].Remark != "second" {
		t.Fatalf("unexpected order %+v", vmess)
	}
	if byTag["SS_TCP"][0].Security != model.HostSecurityInboundDefault {
		t.Fatalf("default security not set")
	}
}

func TestDeviceServiceBacksGate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := createUser(t, db, "alice", model.UserStatusActive)
	devices := NewDeviceService(db)

	settings := config.NewSettings()
	if _, err := settings.Apply(map[string]any{config.HwidDeviceLimitMode: "enabled", config.HwidFallbackDeviceLimit: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	gate := hwid.NewGate(devices, settings)

	for i, step := range []struct {
		hwid  string
		allow bool
	}{{"A", true}, {"B", true}, {"C", false}, {"A", true}} {
		if got := gate.Allow(ctx, u, hwid.Device{HWID: step.hwid, OS: "android"}); got != step.allow {
			t.Fatalf("step %d: %s allowed=%v, want %v", i, step.hwid, got, step.allow)
		}
	}

	count, err := devices.CountDevices(ctx, u.ID)
	if err != nil || count != 2 {
		t.Fatalf("CountDevices = %d, %v", count, err)
	}

	seen := time.Now().Add(time.Minute)
	if err := devices.UpsertDevice(ctx, u.ID, hwid.Device{HWID: "A", Model: "Pixel 8"}, seen); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	list, err := devices.ListDevices(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if list[0].HWID != "A" || list[0].DeviceOS != "android" || list[0].DeviceModel != "Pixel 8" {
		t.Fatalf("upsert lost metadata: %+v", list[0])
	}

	deleted, err := devices.DeleteDevicesBefore(ctx, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("DeleteDevicesBefore: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d devices, want 1", deleted)
	}
}

func TestSettingsUpdatePersists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	svc := NewSettingsService(db, config.NewSettings())

	if _, err := svc.Update(ctx, map[string]any{
		config.HwidFallbackDeviceLimit: 3,
		config.CustomNotesExpired:      "renew at t.me/support|expired",
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if svc.Settings().Int(config.HwidFallbackDeviceLimit) != 3 {
		t.Fatalf("live store not updated")
	}

	if _, err := svc.Update(ctx, map[string]any{
		config.HwidFallbackDeviceLimit: 9,
		"NOT_A_SETTING":                 1,
	}); !errors.Is(err, config.ErrUnknownSetting) {
		t.Fatalf("Update with unknown key error = %v", err)
	}
	if svc.Settings().Int(config.HwidFallbackDeviceLimit) != 3 {
		t.Fatalf("rejected update changed the live store")
	}

	reloaded := NewSettingsService(db, config.NewSettings())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := reloaded.Settings()
	if s.Int(config.HwidFallbackDeviceLimit) != 3 {
		t.Fatalf("stored limit = %d", s.Int(config.HwidFallbackDeviceLimit))
	}
	if notes := s.Strings(config.CustomNotesExpired); len(notes) != 2 || notes[1] != "expired" {
		t.Fatalf("stored notes = %v", notes)
	}

	var restart bool
	for _, info := range reloaded.Metadata() {
		if info.Key == config.JobCoreHealthCheckInterval {
			restart = info.RequiresRestart
		}
	}
	if !restart {
		t.Fatalf("metadata lost requires_restart")
	}
}

func TestClientCertificateIsMemoized(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	certs := NewCertificateService(db)

	first, err := certs.ClientCertificate(ctx)
	if err != nil {
		t.Fatalf("ClientCertificate: %v", err)
	}
	pemBytes, err := certs.CertificatePEM(ctx)
	if err != nil {
		t.Fatalf("CertificatePEM: %v", err)
	}
	parsed, err := certs.ParseCertificate(pemBytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if parsed.Subject.CommonName != "x-fleet master" {
		t.Fatalf("unexpected subject %s", parsed.Subject)
	}

	other, err := NewCertificateService(db).ClientCertificate(ctx)
	if err != nil {
		t.Fatalf("ClientCertificate from stored row: %v", err)
	}
	if string(other.Certificate[0]) != string(first.Certificate[0]) {
		t.Fatalf("stored certificate was regenerated")
	}

	var rows int64
	db.Model(&model.TLSCertificate{}).Count(&rows)
	if rows != 1 {
		t.Fatalf("expected one stored certificate, got %d", rows)
	}
}

const engineConfig = `{
  "inbounds": [
    {"tag": "VMESS_TCP", "protocol": "vmess", "port": 8443, "settings": {"clients": []}},
    {"tag": "SS_TCP", "protocol": "shadowsocks", "port": 1080, "settings": {"clients": [], "method": "aes-256-gcm"}}
  ],
  "outbounds": [{"protocol": "freedom", "tag": "DIRECT"}]
}`

func TestFullConfigInjectsActiveUsers(t *testing.T) {
	db := openTestDB(t)
	cfg, err := xray.Parse([]byte(engineConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	createUser(t, db, "alice", model.UserStatusActive, vmessProxy("0b7a3b6e-6c2f-4a53-9d1e-2f1c0f7c8a11"))
	createUser(t, db, "carol", model.UserStatusDisabled, vmessProxy("8c1f0e5a-2b7d-4f9e-a3c6-5d4e3f2a1b00"))

	raw, err := NewConfigService(NewUserService(db), cfg, 62789).FullConfig(context.Background())
	if err != nil {
		t.Fatalf("FullConfig: %v", err)
	}

	var doc struct {
		Inbounds []struct {
			Tag      string `json:"tag"`
			Settings struct {
				Clients []map[string]any `json:"clients"`
			} `json:"settings"`
		} `json:"inbounds"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	clients := map[string]int{}
	for _, in := range doc.Inbounds {
		clients[in.Tag] = len(in.Settings.Clients)
	}
	if clients["VMESS_TCP"] != 1 || clients["SS_TCP"] != 0 {
		t.Fatalf("unexpected client counts %v", clients)
	}
	if _, ok := clients["API_INBOUND"]; !ok {
		t.Fatalf("API inbound missing: %v", clients)
	}
}
