package agent

import (
	"context"

	"x-fleet/internal/xrayapi"
)

// Engine is the local engine process.
type Engine interface {
	Start(ctx context.Context, config []byte) error
	Restart(ctx context.Context, config []byte) error
	Stop() error
	Started() bool
	Version(ctx context.Context) (string, error)
}

// EngineAPI is a connection to the local engine's gRPC API.
type EngineAPI interface {
	xrayapi.InboundAPI
	Close() error
}

// APIDialer connects to the engine API listening on address.
type APIDialer func(address string) (EngineAPI, error)

type HealthResponse struct {
	Started bool   `json:"started"`
	Version string `json:"version,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// HTTPError is a failed call answered with StatusCode. Kind names the
// xrayapi error kind so the master can classify the failure.
type HTTPError struct {
	StatusCode int
	Message    string
	Kind       xrayapi.Kind
}

func (e *HTTPError) Error() string {
	return e.Message
}
