package xrayapi

import (
	"context"
	"fmt"

	handlercmd "github.com/xtls/xray-core/app/proxyman/command"
	statscmd "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/serial"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InboundAPI is the user-management surface shared by the main engine
// and every node.
type InboundAPI interface {
	AddInboundUser(ctx context.Context, tag string, account Account) error
	RemoveInboundUser(ctx context.Context, tag, email string) error
	GetSysStats(ctx context.Context) (*SysStats, error)
}

// SysStats is the engine runtime snapshot used as a liveness probe.
type SysStats struct {
	NumGoroutine uint32  `json:"num_goroutine"`
	NumGC        uint32  `json:"num_gc"`
	Alloc        uint64  `json:"alloc"`
	TotalAlloc   uint64  `json:"total_alloc"`
	Sys          uint64  `json:"sys"`
	Mallocs      uint64  `json:"mallocs"`
	Frees        uint64  `json:"frees"`
	LiveObjects  uint64  `json:"live_objects"`
	PauseTotalNs uint64  `json:"pause_total_ns"`
	Uptime       uint32  `json:"uptime"`
	CPUUsage     float64 `json:"cpu_usage,omitempty"`
	MemoryUsage  float64 `json:"memory_usage,omitempty"`
}

// Client talks to an engine's gRPC API (HandlerService and StatsService).
type Client struct {
	address string
	conn    *grpc.ClientConn
	handler handlercmd.HandlerServiceClient
	stats   statscmd.StatsServiceClient
}

var _ InboundAPI = (*Client)(nil)

// Dial prepares a client for the API listening on address. The
// connection is established lazily on the first call.
func Dial(address string) (*Client, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial engine api %s: %w", address, err)
	}
	return &Client{
		address: address,
		conn:    conn,
		handler: handlercmd.NewHandlerServiceClient(conn),
		stats:   statscmd.NewStatsServiceClient(conn),
	}, nil
}

func (c *Client) Address() string {
	return c.address
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) AddInboundUser(ctx context.Context, tag string, account Account) error {
	user, err := account.User()
	if err != nil {
		return NewError(KindProtocol, "add user", err)
	}
	_, err = c.handler.AlterInbound(ctx, &handlercmd.AlterInboundRequest{
		Tag:       tag,
		Operation: serial.ToTypedMessage(&handlercmd.AddUserOperation{User: user}),
	})
	return classify("add user", err)
}

func (c *Client) RemoveInboundUser(ctx context.Context, tag, email string) error {
	_, err := c.handler.AlterInbound(ctx, &handlercmd.AlterInboundRequest{
		Tag:       tag,
		Operation: serial.ToTypedMessage(&handlercmd.RemoveUserOperation{Email: email}),
	})
	return classify("remove user", err)
}

func (c *Client) GetSysStats(ctx context.Context) (*SysStats, error) {
	resp, err := c.stats.GetSysStats(ctx, &statscmd.SysStatsRequest{})
	if err != nil {
		return nil, classify("sys stats", err)
	}
	return &SysStats{
		NumGoroutine: resp.NumGoroutine,
		NumGC:        resp.NumGC,
		Alloc:        resp.Alloc,
		TotalAlloc:   resp.TotalAlloc,
		Sys:          resp.Sys,
		Mallocs:      resp.Mallocs,
		Frees:        resp.Frees,
		LiveObjects:  resp.LiveObjects,
		PauseTotalNs: resp.PauseTotalNs,
		Uptime:       resp.Uptime,
	}, nil
}
