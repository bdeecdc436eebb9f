package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	agentconfig "x-fleet/internal/agent/config"
	"x-fleet/internal/logger"
	"x-fleet/internal/security"
	"x-fleet/internal/xray"
	"x-fleet/internal/xrayapi"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const (
	SignatureHeader = "X-Master-Signature"

	maxBodySize = 16 << 20
)

// Agent serves the node API: it runs the local engine on behalf of the
// master and relays user changes to the engine's gRPC API.
type Agent struct {
	config   *agentconfig.Config
	engine   Engine
	dial     APIDialer
	validate func([]byte) error

	mu  sync.Mutex
	api EngineAPI
}

func New(cfg *agentconfig.Config, engine Engine) *Agent {
	return &Agent{
		config: cfg,
		engine: engine,
		dial: func(address string) (EngineAPI, error) {
			return xrayapi.Dial(address)
		},
		validate: xray.Validate,
	}
}

// Run serves until ctx is cancelled, then stops the engine.
func (a *Agent) Run(ctx context.Context) error {
	logger.Infof("starting node agent (%s) host=%s ip=%s", a.config.String(), detectHostname(), detectPrimaryIP())
	defer a.shutdownEngine()
	return a.serve(ctx)
}

// Handler returns the signed node API.
func (a *Agent) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/health", a.wrapHandler(a.healthHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/version", a.wrapHandler(a.versionHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", a.wrapHandler(a.statsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/start", a.wrapHandler(a.startHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/restart", a.wrapHandler(a.restartHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/stop", a.wrapHandler(a.stopHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/inbounds/{tag}/users", a.wrapHandler(a.addUserHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/inbounds/{tag}/users/{email}", a.wrapHandler(a.removeUserHandler)).Methods(http.MethodDelete)
	return router
}

func (a *Agent) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.config.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.config.ClientCAFile != "" {
		tlsConfig, err := clientAuthConfig(a.config.ClientCAFile)
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
	}

	go func() {
		<-ctx.Done()
		tCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(tCtx)
	}()

	logger.Infof("agent API server listening on %s", a.config.ListenAddr)
	var err error
	if a.config.TLSEnabled() {
		err = server.ListenAndServeTLS(a.config.TLSCertFile, a.config.TLSKeyFile)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func clientAuthConfig(caFile string) (*tls.Config, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("client ca file holds no certificates")
	}
	return &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func (a *Agent) wrapHandler(handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handler(w, r); err != nil {
			httpErr := toHTTPError(err)
			if httpErr.StatusCode >= http.StatusInternalServerError {
				logger.Warningf("%s %s: %v", r.Method, r.URL.Path, err)
			} else {
				logger.Debugf("%s %s: %v", r.Method, r.URL.Path, err)
			}
			writeJSON(w, httpErr.StatusCode, ErrorResponse{Error: httpErr.Message, Kind: httpErr.Kind.String()})
		}
	}
}

func toHTTPError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	kind := xrayapi.KindOf(err)
	return &HTTPError{StatusCode: statusForKind(kind), Message: err.Error(), Kind: kind}
}

func statusForKind(kind xrayapi.Kind) int {
	switch kind {
	case xrayapi.KindTagNotFound, xrayapi.KindIdentityNotFound:
		return http.StatusNotFound
	case xrayapi.KindIdentityExists:
		return http.StatusConflict
	case xrayapi.KindUnreachable:
		return http.StatusBadGateway
	case xrayapi.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readSigned reads the body and checks the master's signature over it, or
// over the escaped path when the body is empty.
func (a *Agent) readSigned(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, &HTTPError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("read body: %v", err)}
	}
	defer r.Body.Close()

	if err := a.verifyRequestSignature(r, security.SignedPayload(r.URL.EscapedPath(), body)); err != nil {
		return nil, err
	}
	return body, nil
}

func (a *Agent) verifyRequestSignature(r *http.Request, payload []byte) error {
	if a.config.SecretKey == "" {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Message: "missing shared secret"}
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Message: "missing signature"}
	}
	if !security.VerifyHMAC(payload, a.config.SecretKey, signature) {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Message: "invalid signature"}
	}
	return nil
}

func (a *Agent) healthHandler(w http.ResponseWriter, r *http.Request) error {
	if _, err := a.readSigned(r); err != nil {
		return err
	}
	resp := HealthResponse{Started: a.engine.Started()}
	if version, err := a.engine.Version(r.Context()); err == nil {
		resp.Version = version
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (a *Agent) versionHandler(w http.ResponseWriter, r *http.Request) error {
	if _, err := a.readSigned(r); err != nil {
		return err
	}
	version, err := a.engine.Version(r.Context())
	if err != nil {
		return &HTTPError{StatusCode: http.StatusInternalServerError, Message: err.Error(), Kind: xrayapi.KindProtocol}
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
	return nil
}

func (a *Agent) statsHandler(w http.ResponseWriter, r *http.Request) error {
	if _, err := a.readSigned(r); err != nil {
		return err
	}
	api := a.currentAPI()
	if api == nil {
		return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "engine is not running", Kind: xrayapi.KindUnreachable}
	}
	stats, err := api.GetSysStats(r.Context())
	if err != nil {
		return err
	}
	stats.CPUUsage, stats.MemoryUsage = sampleSystemUsage(r.Context())
	writeJSON(w, http.StatusOK, stats)
	return nil
}

func (a *Agent) startHandler(w http.ResponseWriter, r *http.Request) error {
	return a.launch(w, r, false)
}

func (a *Agent) restartHandler(w http.ResponseWriter, r *http.Request) error {
	return a.launch(w, r, true)
}

// launch validates the pushed document, (re)starts the engine with it and
// reconnects the engine API. A start on a running engine restarts it.
func (a *Agent) launch(w http.ResponseWriter, r *http.Request, restart bool) error {
	body, err := a.readSigned(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: "engine config is required"}
	}
	if err := a.validate(body); err != nil {
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	port, err := xray.APIPort(body)
	if err != nil {
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: err.Error()}
	}

	a.closeAPI()
	if restart || a.engine.Started() {
		logger.Infof("restarting engine (%d bytes)", len(body))
		err = a.engine.Restart(r.Context(), body)
	} else {
		logger.Infof("starting engine (%d bytes)", len(body))
		err = a.engine.Start(r.Context(), body)
	}
	if err != nil {
		return &HTTPError{StatusCode: http.StatusInternalServerError, Message: err.Error(), Kind: xrayapi.KindProtocol}
	}

	if err := a.connectAPI(port); err != nil {
		return &HTTPError{StatusCode: http.StatusBadGateway, Message: err.Error(), Kind: xrayapi.KindUnreachable}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Started: true})
	return nil
}

func (a *Agent) stopHandler(w http.ResponseWriter, r *http.Request) error {
	if _, err := a.readSigned(r); err != nil {
		return err
	}
	a.closeAPI()
	if err := a.engine.Stop(); err != nil {
		return &HTTPError{StatusCode: http.StatusInternalServerError, Message: err.Error(), Kind: xrayapi.KindProtocol}
	}
	logger.Info("engine stopped on request")
	writeJSON(w, http.StatusOK, HealthResponse{Started: false})
	return nil
}

func (a *Agent) addUserHandler(w http.ResponseWriter, r *http.Request) error {
	body, err := a.readSigned(r)
	if err != nil {
		return err
	}
	var account xrayapi.Account
	if err := json.Unmarshal(body, &account); err != nil || account.Email == "" {
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: "invalid account payload"}
	}
	api := a.currentAPI()
	if api == nil {
		return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "engine is not running", Kind: xrayapi.KindUnreachable}
	}
	if err := api.AddInboundUser(r.Context(), mux.Vars(r)["tag"], account); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Agent) removeUserHandler(w http.ResponseWriter, r *http.Request) error {
	if _, err := a.readSigned(r); err != nil {
		return err
	}
	api := a.currentAPI()
	if api == nil {
		return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "engine is not running", Kind: xrayapi.KindUnreachable}
	}
	vars := mux.Vars(r)
	if err := api.RemoveInboundUser(r.Context(), vars["tag"], vars["email"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *Agent) currentAPI() EngineAPI {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.api
}

func (a *Agent) connectAPI(port int) error {
	api, err := a.dial(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial engine api: %w", err)
	}
	a.mu.Lock()
	a.api = api
	a.mu.Unlock()
	return nil
}

func (a *Agent) closeAPI() {
	a.mu.Lock()
	api := a.api
	a.api = nil
	a.mu.Unlock()
	if api != nil {
		_ = api.Close()
	}
}

func (a *Agent) shutdownEngine() {
	a.closeAPI()
	if !a.engine.Started() {
		return
	}
	if err := a.engine.Stop(); err != nil {
		logger.Warningf("stop engine: %v", err)
	}
}

func detectHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func detectPrimaryIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ip = ip.To4()
			if ip == nil {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
