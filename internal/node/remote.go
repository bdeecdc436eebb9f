package node

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"x-fleet/internal/model"
	"x-fleet/internal/security"
	"x-fleet/internal/xrayapi"

	"github.com/goccy/go-json"
	"go.uber.org/atomic"
)

const (
	SignatureHeader = "X-Master-Signature"

	defaultRequestTimeout = 30 * time.Second
)

// RemoteNode drives a node agent over HTTP(S). Every request is signed
// with the node's shared secret.
type RemoteNode struct {
	baseURL   string
	secret    string
	client    *http.Client
	connected atomic.Bool
}

var _ Handle = (*RemoteNode)(nil)

// HealthResponse is the body of the agent's health endpoint.
type HealthResponse struct {
	Started bool   `json:"started"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the body of any failed agent call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NewRemoteNode builds a handle for n. cert, when set, is presented as the
// client certificate on TLS connections.
func NewRemoteNode(n *model.Node, cert *tls.Certificate) *RemoteNode {
	scheme := "http"
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}
	if n.UseTLS {
		scheme = "https"
		tlsConfig := &tls.Config{InsecureSkipVerify: true}
		if cert != nil {
			tlsConfig.Certificates = []tls.Certificate{*cert}
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &RemoteNode{
		baseURL: fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(n.Address, strconv.Itoa(n.APIPort))),
		secret:  n.SecretKey,
		client:  &http.Client{Transport: transport, Timeout: defaultRequestTimeout},
	}
}

func (r *RemoteNode) Connected() bool {
	return r.connected.Load()
}

func (r *RemoteNode) Disconnect() error {
	r.connected.Store(false)
	r.client.CloseIdleConnections()
	return nil
}

func (r *RemoteNode) Ping(ctx context.Context) (bool, error) {
	var resp HealthResponse
	if err := r.do(ctx, "ping", http.MethodGet, "/api/health", nil, &resp); err != nil {
		return false, err
	}
	return resp.Started, nil
}

func (r *RemoteNode) Start(ctx context.Context, config []byte) error {
	if err := r.do(ctx, "start", http.MethodPost, "/api/start", config, nil); err != nil {
		r.connected.Store(false)
		return err
	}
	r.connected.Store(true)
	return nil
}

func (r *RemoteNode) Restart(ctx context.Context, config []byte) error {
	if err := r.do(ctx, "restart", http.MethodPost, "/api/restart", config, nil); err != nil {
		return err
	}
	r.connected.Store(true)
	return nil
}

func (r *RemoteNode) Stop(ctx context.Context) error {
	return r.do(ctx, "stop", http.MethodPost, "/api/stop", nil, nil)
}

func (r *RemoteNode) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := r.do(ctx, "version", http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (r *RemoteNode) GetSysStats(ctx context.Context) (*xrayapi.SysStats, error) {
	var stats xrayapi.SysStats
	if err := r.do(ctx, "sys stats", http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *RemoteNode) AddInboundUser(ctx context.Context, tag string, account xrayapi.Account) error {
	body, err := json.Marshal(account)
	if err != nil {
		return err
	}
	return r.do(ctx, "add user", http.MethodPost, "/api/inbounds/"+url.PathEscape(tag)+"/users", body, nil)
}

func (r *RemoteNode) RemoveInboundUser(ctx context.Context, tag, email string) error {
	path := "/api/inbounds/" + url.PathEscape(tag) + "/users/" + url.PathEscape(email)
	return r.do(ctx, "remove user", http.MethodDelete, path, nil, nil)
}

func (r *RemoteNode) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return xrayapi.NewError(xrayapi.KindProtocol, op, err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(SignatureHeader, security.ComputeHMAC(security.SignedPayload(req.URL.EscapedPath(), body), r.secret))

	resp, err := r.client.Do(req)
	if err != nil {
		return xrayapi.NewError(transportKind(err), op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return xrayapi.NewError(transportKind(err), op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr ErrorResponse
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		kind := xrayapi.ParseKind(apiErr.Kind)
		if apiErr.Kind == "" && resp.StatusCode >= http.StatusInternalServerError {
			kind = xrayapi.KindUnreachable
		}
		return xrayapi.NewError(kind, op, errors.New(apiErr.Error))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xrayapi.NewError(xrayapi.KindProtocol, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func transportKind(err error) xrayapi.Kind {
	if kind := xrayapi.KindOf(err); kind == xrayapi.KindTimeout {
		return kind
	}
	return xrayapi.KindUnreachable
}
