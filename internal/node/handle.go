package node

import (
	"context"

	"x-fleet/internal/xrayapi"
)

// Handle is the control connection to one node's engine.
type Handle interface {
	xrayapi.InboundAPI

	Start(ctx context.Context, config []byte) error
	Restart(ctx context.Context, config []byte) error
	Stop(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	// Ping reports whether the node's engine is running.
	Ping(ctx context.Context) (started bool, err error)
	// Connected reports whether a control session is established.
	Connected() bool
	// Disconnect drops the control session without stopping the engine.
	Disconnect() error
}
