package provision

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"x-fleet/internal/model"
	"x-fleet/internal/node"
	"x-fleet/internal/xray"
	"x-fleet/internal/xrayapi"

	"gorm.io/datatypes"
)

const testConfig = `{"inbounds":[
	{"tag":"VLESS_TCP","protocol":"vless","streamSettings":{"network":"tcp","security":"reality","realitySettings":{"serverNames":["a.example"],"privateKey":"MMX7m0Mj3faUstoEm5NBdegeXkHG6ZB78xzBv2n3ZUA"}}},
	{"tag":"VLESS_WS","protocol":"vless","streamSettings":{"network":"ws","security":"tls"}},
	{"tag":"VMESS_TCP","protocol":"vmess"}
]}`

type call struct {
	op, tag, email, flow string
}

type recordingAPI struct {
	mu      sync.Mutex
	calls   []call
	failAdd error
}

func (r *recordingAPI) AddInboundUser(_ context.Context, tag string, acc xrayapi.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: "add", tag: tag, email: acc.Email, flow: acc.Flow})
	return r.failAdd
}

func (r *recordingAPI) RemoveInboundUser(_ context.Context, tag, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: "remove", tag: tag, email: email})
	return nil
}

func (r *recordingAPI) GetSysStats(context.Context) (*xrayapi.SysStats, error) {
	return &xrayapi.SysStats{}, nil
}

func (r *recordingAPI) ops(op string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var tags []string
	for _, c := range r.calls {
		if c.op == op {
			tags = append(tags, c.tag)
		}
	}
	sort.Strings(tags)
	return tags
}

func (r *recordingAPI) flowFor(tag string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.op == "add" && c.tag == tag {
			return c.flow, true
		}
	}
	return "", false
}

type staticTargets []node.HealthyTarget

func (s staticTargets) HealthyNodes() []node.HealthyTarget { return s }

func setup(t *testing.T) (*Provisioner, *recordingAPI, []*recordingAPI) {
	t.Helper()
	cfg, err := xray.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	main := &recordingAPI{}
	nodes := []*recordingAPI{{}, {failAdd: xrayapi.NewError(xrayapi.KindUnreachable, "add user", errors.New("down"))}}
	targets := staticTargets{{ID: 1, API: nodes[0]}, {ID: 2, API: nodes[1]}}
	return New(main, targets, cfg), main, nodes
}

func vlessUser(excluded ...string) *model.User {
	return &model.User{
		ID:       7,
		Username: "alice",
		Proxies: []model.Proxy{{
			Type:             model.ProxyVLESS,
			Settings:         datatypes.NewJSONType(model.ProxySettings{ID: "b831381d-6324-4d53-ad4f-8cda48b30811", Flow: xrayapi.FlowVision}),
			ExcludedInbounds: excluded,
		}},
	}
}

func TestAddUserReachesEveryTarget(t *testing.T) {
	p, main, nodes := setup(t)
	p.AddUser(vlessUser())
	p.Wait()

	for i, api := range append([]*recordingAPI{main}, nodes...) {
		got := api.ops("add")
		if len(got) != 2 || got[0] != "VLESS_TCP" || got[1] != "VLESS_WS" {
			t.Fatalf("target %d: unexpected adds %v", i, got)
		}
	}
	if flow, _ := main.flowFor("VLESS_TCP"); flow != xrayapi.FlowVision {
		t.Fatalf("reality over tcp keeps the flow, got %q", flow)
	}
	if flow, _ := main.flowFor("VLESS_WS"); flow != "" {
		t.Fatalf("ws must drop the flow, got %q", flow)
	}
}

func TestUpdateUserRetractsRevokedInbounds(t *testing.T) {
	p, main, nodes := setup(t)
	p.UpdateUser(vlessUser("VLESS_WS"))
	p.Wait()

	for i, api := range append([]*recordingAPI{main}, nodes...) {
		removed := api.ops("remove")
		want := []string{"VLESS_TCP", "VLESS_WS", "VMESS_TCP"}
		if len(removed) != len(want) {
			t.Fatalf("target %d: unexpected removes %v", i, removed)
		}
		for j := range want {
			if removed[j] != want[j] {
				t.Fatalf("target %d: unexpected removes %v", i, removed)
			}
		}
		added := api.ops("add")
		if len(added) != 1 || added[0] != "VLESS_TCP" {
			t.Fatalf("target %d: unexpected adds %v", i, added)
		}
	}
}

func TestRemoveUserRevokesAllTags(t *testing.T) {
	p, main, _ := setup(t)
	p.RemoveUser(vlessUser())
	p.Wait()

	if got := main.ops("remove"); len(got) != 3 {
		t.Fatalf("expected removal from every known tag, got %v", got)
	}
	main.mu.Lock()
	defer main.mu.Unlock()
	for _, c := range main.calls {
		if c.email != "7.alice" {
			t.Fatalf("unexpected email %q", c.email)
		}
	}
}

func TestShutdownReturnsAfterCalls(t *testing.T) {
	p, _, _ := setup(t)
	p.AddUser(vlessUser())
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
