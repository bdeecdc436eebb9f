package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"x-fleet/internal/logger"
)

const probeTimeout = 2 * time.Second

// MainCore is the locally supervised engine.
type MainCore interface {
	Started() bool
	Restart(ctx context.Context, config []byte) error
}

// HealthChecker runs one health cycle per Run call.
type HealthChecker struct {
	manager *Manager
	core    MainCore
	configs ConfigSource
}

func NewHealthChecker(manager *Manager, core MainCore, configs ConfigSource) *HealthChecker {
	return &HealthChecker{manager: manager, core: core, configs: configs}
}

// Run restarts the main engine if it is down, then probes every
// registered node and schedules reconnects or restarts for failing ones.
// The full configuration is computed at most once per cycle.
func (c *HealthChecker) Run(ctx context.Context) {
	fullConfig := sync.OnceValues(func() ([]byte, error) {
		return c.configs.FullConfig(ctx)
	})
	config := func() []byte {
		cfg, err := fullConfig()
		if err != nil {
			logger.Warningf("health check: build engine config: %v", err)
			return nil
		}
		return cfg
	}

	if c.core != nil && !c.core.Started() {
		if cfg := config(); cfg != nil {
			if err := c.core.Restart(ctx, cfg); err != nil {
				logger.Errorf("health check: restart main engine: %v", err)
			}
		}
	}

	for _, id := range c.manager.IDs() {
		h, ok := c.manager.Handle(id)
		if !ok || !h.Connected() {
			c.manager.MarkError(ctx, id, "Node ping failed")
			if c.manager.ShouldForceReconnect(id) {
				c.manager.ForceReconnect(id, config())
			} else {
				c.manager.Connect(id, config())
			}
			continue
		}

		if err := probe(ctx, h); err != nil {
			c.manager.MarkError(ctx, id, err.Error())
			c.manager.Restart(id, config(), "Health check failed: "+err.Error())
			continue
		}
		c.manager.MarkConnected(ctx, id)
	}
}

func probe(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	started, err := h.Ping(ctx)
	if err != nil {
		return err
	}
	if !started {
		return errors.New("engine is not started")
	}
	_, err = h.GetSysStats(ctx)
	return err
}
