package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"x-fleet/internal/logger"
	"x-fleet/internal/model"
	"x-fleet/internal/xrayapi"

	"github.com/puzpuzpuz/xsync/v4"
)

const defaultCallTimeout = 30 * time.Second

// StatusStore persists node records and their status.
type StatusStore interface {
	GetNode(ctx context.Context, id uint) (*model.Node, error)
	UpdateNodeStatus(ctx context.Context, id uint, status model.NodeStatus, message, version string) error
}

// ConfigSource computes the full engine configuration with all active users.
type ConfigSource interface {
	FullConfig(ctx context.Context) ([]byte, error)
}

// HandleFactory builds a handle for a persisted node record.
type HandleFactory func(ctx context.Context, n *model.Node) (Handle, error)

type Options struct {
	Store   StatusStore
	Configs ConfigSource
	// NewHandle defaults to an HTTP RemoteNode without a client certificate.
	NewHandle HandleFactory
	Health    *HealthStore
	Backoff   *BackoffStore
	// ShouldForceReconnect decides whether an unreachable node gets a full
	// teardown before reconnecting. Defaults to ForceReconnectThreshold.
	ShouldForceReconnect func(id uint) bool
	// ForceReconnectThreshold is the failure count that triggers a forced
	// reconnect when ShouldForceReconnect is nil.
	ForceReconnectThreshold int
	CallTimeout             time.Duration
}

// Manager owns the node handles and drives their connection state.
type Manager struct {
	store       StatusStore
	configs     ConfigSource
	newHandle   HandleFactory
	health      *HealthStore
	backoff     *BackoffStore
	shouldForce func(id uint) bool
	callTimeout time.Duration

	handles  *xsync.Map[uint, Handle]
	inflight *xsync.Map[uint, struct{}]
	// known holds every node handed to the manager, with or without a
	// handle, until it is found disabled.
	known *xsync.Map[uint, struct{}]
	wg       sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		store:       opts.Store,
		configs:     opts.Configs,
		newHandle:   opts.NewHandle,
		health:      opts.Health,
		backoff:     opts.Backoff,
		shouldForce: opts.ShouldForceReconnect,
		callTimeout: opts.CallTimeout,
		handles:     xsync.NewMap[uint, Handle](),
		inflight:    xsync.NewMap[uint, struct{}](),
		known:       xsync.NewMap[uint, struct{}](),
	}
	if m.newHandle == nil {
		m.newHandle = func(_ context.Context, n *model.Node) (Handle, error) {
			return NewRemoteNode(n, nil), nil
		}
	}
	if m.health == nil {
		m.health = NewHealthStore(nil)
	}
	if m.backoff == nil {
		m.backoff = NewBackoffStore(nil)
	}
	if m.callTimeout <= 0 {
		m.callTimeout = defaultCallTimeout
	}
	if m.shouldForce == nil {
		threshold := opts.ForceReconnectThreshold
		if threshold <= 0 {
			threshold = 5
		}
		m.shouldForce = func(id uint) bool {
			return m.backoff.Failures(id) >= threshold
		}
	}
	return m
}

func (m *Manager) Health() *HealthStore {
	return m.health
}

func (m *Manager) Backoff() *BackoffStore {
	return m.backoff
}

// Handle returns the registered handle of a node, if any.
func (m *Manager) Handle(id uint) (Handle, bool) {
	return m.handles.Load(id)
}

// IDs lists the nodes the manager is responsible for, including those
// whose handle could not be built yet.
func (m *Manager) IDs() []uint {
	ids := make([]uint, 0, m.known.Size())
	m.known.Range(func(id uint, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	m.handles.Range(func(id uint, _ Handle) bool {
		if _, ok := m.known.Load(id); !ok {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// HealthyTarget is a node considered reachable for provisioning.
type HealthyTarget struct {
	ID  uint
	API xrayapi.InboundAPI
}

// HealthyNodes returns registered nodes whose health entry is ok and fresh.
func (m *Manager) HealthyNodes() []HealthyTarget {
	var out []HealthyTarget
	m.handles.Range(func(id uint, h Handle) bool {
		if m.health.Healthy(id) {
			out = append(out, HealthyTarget{ID: id, API: h})
		}
		return true
	})
	return out
}

// Connect schedules a connect attempt in the background. config may be
// nil, in which case the full configuration is computed on demand.
func (m *Manager) Connect(id uint, config []byte) {
	m.spawn(func() { m.ConnectSync(context.Background(), id, config) })
}

// Restart schedules a restart in the background.
func (m *Manager) Restart(id uint, config []byte, reason string) {
	m.spawn(func() { m.RestartSync(context.Background(), id, config, reason) })
}

// ForceReconnect tears the node down and reconnects it in the background,
// bypassing any pending backoff.
func (m *Manager) ForceReconnect(id uint, config []byte) {
	m.spawn(func() { m.ForceReconnectSync(context.Background(), id, config) })
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// ConnectSync performs a connect attempt and returns when it has finished.
// It is a no-op while the node is in backoff or another attempt is running.
func (m *Manager) ConnectSync(ctx context.Context, id uint, config []byte) {
	m.known.Store(id, struct{}{})
	if !m.backoff.Allowed(id) {
		return
	}
	if !m.acquire(id) {
		return
	}
	defer m.release(id)
	m.connectLocked(ctx, id, config)
}

// connectLocked is the connect attempt proper; the caller holds the
// in-flight marker of id.
func (m *Manager) connectLocked(ctx context.Context, id uint, config []byte) {
	n, err := m.store.GetNode(ctx, id)
	if err != nil || n == nil {
		if err != nil {
			logger.Warningf("node %d: load record: %v", id, err)
		}
		return
	}
	if n.Status == model.NodeStatusDisabled {
		m.forget(id)
		return
	}

	h, err := m.handleFor(ctx, n)
	if err != nil {
		m.fail(ctx, n, err, "connect")
		return
	}

	m.changeStatus(ctx, id, model.NodeStatusConnecting, "", "")
	logger.Infof("Connecting to %q node", n.Name)

	if err := m.startOn(ctx, n, h, config, false); err != nil {
		m.fail(ctx, n, err, "connect")
	}
}

// RestartSync restarts a connected node's engine; a node that is not
// connected gets a connect attempt instead.
func (m *Manager) RestartSync(ctx context.Context, id uint, config []byte, reason string) {
	n, err := m.store.GetNode(ctx, id)
	if err != nil || n == nil {
		if err != nil {
			logger.Warningf("node %d: load record: %v", id, err)
		}
		return
	}

	h, ok := m.handles.Load(id)
	if !ok || !h.Connected() {
		m.ConnectSync(ctx, id, config)
		return
	}

	if !m.acquire(id) {
		return
	}
	defer m.release(id)

	if reason != "" {
		logger.Infof("Restarting engine of %q node: %s", n.Name, reason)
	} else {
		logger.Infof("Restarting engine of %q node", n.Name)
	}
	if err := m.startOn(ctx, n, h, config, true); err != nil {
		m.fail(ctx, n, err, "restart")
		if derr := h.Disconnect(); derr != nil {
			logger.Debugf("node %d: disconnect after failed restart: %v", id, derr)
		}
	}
}

// ForceReconnectSync removes the handle, clears backoff and connects. It
// is a no-op while another attempt on the node is in flight.
func (m *Manager) ForceReconnectSync(ctx context.Context, id uint, config []byte) {
	m.known.Store(id, struct{}{})
	if !m.acquire(id) {
		return
	}
	defer m.release(id)

	logger.Infof("Force reconnecting node %d after %d failures", id, m.backoff.Failures(id))
	m.Remove(id)
	m.backoff.Clear(id)
	m.connectLocked(ctx, id, config)
}

// ShouldForceReconnect applies the injected force-reconnect policy.
func (m *Manager) ShouldForceReconnect(id uint) bool {
	return m.shouldForce(id)
}

// Disconnect drops the node's control session. It never fails.
func (m *Manager) Disconnect(id uint) {
	if h, ok := m.handles.Load(id); ok {
		if err := h.Disconnect(); err != nil {
			logger.Debugf("node %d: disconnect: %v", id, err)
		}
	}
}

// Remove disconnects the node and unregisters its handle. It never fails.
func (m *Manager) Remove(id uint) {
	h, ok := m.handles.LoadAndDelete(id)
	if !ok {
		return
	}
	if err := h.Disconnect(); err != nil {
		logger.Debugf("node %d: disconnect on remove: %v", id, err)
	}
}

// forget removes the node and stops tracking it.
func (m *Manager) forget(id uint) {
	m.Remove(id)
	m.known.Delete(id)
}

// MarkConnected records a successful probe.
func (m *Manager) MarkConnected(ctx context.Context, id uint) {
	m.health.Set(id, true)
	m.changeStatus(ctx, id, model.NodeStatusConnected, "", "")
}

// MarkError records a failed probe with message.
func (m *Manager) MarkError(ctx context.Context, id uint, message string) {
	m.health.Set(id, false)
	m.changeStatus(ctx, id, model.NodeStatusError, message, "")
}

// DisconnectAll drops every control session, used on shutdown.
func (m *Manager) DisconnectAll() {
	m.handles.Range(func(id uint, h Handle) bool {
		if err := h.Disconnect(); err != nil {
			logger.Debugf("node %d: disconnect: %v", id, err)
		}
		return true
	})
}

// Shutdown waits for background node calls to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) acquire(id uint) bool {
	_, running := m.inflight.LoadOrStore(id, struct{}{})
	return !running
}

func (m *Manager) release(id uint) {
	m.inflight.Delete(id)
}

func (m *Manager) handleFor(ctx context.Context, n *model.Node) (Handle, error) {
	if h, ok := m.handles.Load(n.ID); ok && h.Connected() {
		return h, nil
	}
	h, err := m.newHandle(ctx, n)
	if err != nil {
		return nil, err
	}
	if old, loaded := m.handles.LoadAndStore(n.ID, h); loaded && old != h {
		if err := old.Disconnect(); err != nil {
			logger.Debugf("node %d: disconnect replaced handle: %v", n.ID, err)
		}
	}
	return h, nil
}

func (m *Manager) startOn(ctx context.Context, n *model.Node, h Handle, config []byte, restart bool) error {
	if config == nil {
		var err error
		if config, err = m.configs.FullConfig(ctx); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	var err error
	if restart {
		err = h.Restart(callCtx, config)
	} else {
		err = h.Start(callCtx, config)
	}
	if err != nil {
		return err
	}
	version, err := h.Version(callCtx)
	if err != nil {
		return err
	}

	m.changeStatus(ctx, n.ID, model.NodeStatusConnected, "", version)
	m.health.Set(n.ID, true)
	m.backoff.Clear(n.ID)
	if restart {
		logger.Infof("Engine of %q node restarted", n.Name)
	} else {
		logger.Infof("Connected to %q node, engine v%s", n.Name, version)
	}
	return nil
}

func (m *Manager) fail(ctx context.Context, n *model.Node, err error, op string) {
	m.changeStatus(ctx, n.ID, model.NodeStatusError, err.Error(), "")
	m.health.Set(n.ID, false)
	next := m.backoff.RecordFailure(n.ID)
	logger.Infof("Unable to %s %q node: %v (next attempt after %s)", op, n.Name, err, next.Format(time.TimeOnly))
}

// changeStatus persists a status change. A disabled node is never moved
// out of disabled; the attempt unregisters its handle instead.
func (m *Manager) changeStatus(ctx context.Context, id uint, status model.NodeStatus, message, version string) {
	n, err := m.store.GetNode(ctx, id)
	if err != nil || n == nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warningf("node %d: load record for status change: %v", id, err)
		}
		return
	}
	if n.Status == model.NodeStatusDisabled {
		m.forget(id)
		return
	}

	if status == model.NodeStatusDisabled {
		version = ""
	} else if version == "" {
		version = n.XrayVersion
	}
	if n.Status == status && n.Message == message && n.XrayVersion == version {
		return
	}
	if err := m.store.UpdateNodeStatus(ctx, id, status, message, version); err != nil {
		logger.Warningf("node %d: persist status %s: %v", id, status, err)
	}
}
