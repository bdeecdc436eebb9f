package node

import (
	"context"
	"errors"
	"sync"

	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"go.uber.org/atomic"
)

type fakeHandle struct {
	mu         sync.Mutex
	connected  bool
	started    bool
	version    string
	startErr   error
	restartErr error
	pingErr    error
	statsErr   error

	entered chan struct{}
	block   chan struct{}

	starts      atomic.Int32
	restarts    atomic.Int32
	disconnects atomic.Int32
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{version: "1.8.24", started: true}
}

func (f *fakeHandle) Start(ctx context.Context, _ []byte) error {
	f.starts.Inc()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.connected = false
		return f.startErr
	}
	f.connected = true
	return nil
}

func (f *fakeHandle) Restart(_ context.Context, _ []byte) error {
	f.restarts.Inc()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartErr
}

func (f *fakeHandle) Stop(context.Context) error { return nil }

func (f *fakeHandle) Version(context.Context) (string, error) {
	return f.version, nil
}

func (f *fakeHandle) Ping(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.pingErr
}

func (f *fakeHandle) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeHandle) Disconnect() error {
	f.disconnects.Inc()
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) AddInboundUser(context.Context, string, xrayapi.Account) error { return nil }

func (f *fakeHandle) RemoveInboundUser(context.Context, string, string) error { return nil }

func (f *fakeHandle) GetSysStats(context.Context) (*xrayapi.SysStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return &xrayapi.SysStats{Uptime: 1}, nil
}

func (f *fakeHandle) set(fn func(f *fakeHandle)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	nodes   map[uint]model.Node
	updates int
}

func newFakeStore(nodes ...model.Node) *fakeStore {
	s := &fakeStore{nodes: map[uint]model.Node{}}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	return s
}

func (s *fakeStore) GetNode(_ context.Context, id uint) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return &n, nil
}

func (s *fakeStore) UpdateNodeStatus(_ context.Context, id uint, status model.NodeStatus, message, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	n.Status, n.Message, n.XrayVersion = status, message, version
	s.nodes[id] = n
	s.updates++
	return nil
}

func (s *fakeStore) node(id uint) model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

type fakeConfigs struct {
	calls atomic.Int32
}

func (c *fakeConfigs) FullConfig(context.Context) ([]byte, error) {
	c.calls.Inc()
	return []byte(`{"inbounds":[]}`), nil
}

type testEnv struct {
	clock   *fakeClock
	store   *fakeStore
	configs *fakeConfigs
	manager *Manager
	handles []*fakeHandle
	mu      sync.Mutex
	next    func() *fakeHandle
	// handleErr, when set, fails the handle factory.
	handleErr error
}

func newTestEnv(nodes ...model.Node) *testEnv {
	env := &testEnv{
		clock:   newFakeClock(),
		store:   newFakeStore(nodes...),
		configs: &fakeConfigs{},
		next:    newFakeHandle,
	}
	env.manager = NewManager(Options{
		Store:   env.store,
		Configs: env.configs,
		NewHandle: func(_ context.Context, _ *model.Node) (Handle, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			if env.handleErr != nil {
				return nil, env.handleErr
			}
			h := env.next()
			env.handles = append(env.handles, h)
			return h, nil
		},
		Health:                  NewHealthStore(env.clock.Now),
		Backoff:                 NewBackoffStore(env.clock.Now),
		ForceReconnectThreshold: 3,
	})
	return env
}

func (e *testEnv) failHandles(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handleErr = err
}

func (e *testEnv) handleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

func (e *testEnv) lastHandle() *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[len(e.handles)-1]
}

func testNode(id uint) model.Node {
	return model.Node{ID: id, Name: "node", Address: "127.0.0.1", APIPort: 62050, Status: model.NodeStatusConnecting}
}
