package master

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/hwid"
	"x-fleet/internal/logger"
	"x-fleet/internal/model"
	"x-fleet/internal/service"
	"x-fleet/internal/subscription"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

type Options struct {
	Config        *config.MasterConfig
	Users         UserStore
	Nodes         NodeStore
	Fleet         NodeControl
	Provisioner   Provisioning
	Settings      SettingsStore
	Subscriptions *subscription.Service
	Gate          *hwid.Gate
}

type Server struct {
	cfg           *config.MasterConfig
	engine        *gin.Engine
	httpServer    *http.Server
	users         UserStore
	nodes         NodeStore
	fleet         NodeControl
	provisioner   Provisioning
	settings      SettingsStore
	subscriptions *subscription.Service
	gate          *hwid.Gate
	now           func() time.Time
}

func NewServer(opts Options) *Server {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:           opts.Config,
		engine:        engine,
		users:         opts.Users,
		nodes:         opts.Nodes,
		fleet:         opts.Fleet,
		provisioner:   opts.Provisioner,
		settings:      opts.Settings,
		subscriptions: opts.Subscriptions,
		gate:          opts.Gate,
		now:           time.Now,
	}

	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves HTTP, or HTTPS when a certificate is configured, until
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var err error
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/api/health", s.handleHealth)

	api := s.engine.Group("/api", gzip.Gzip(gzip.DefaultCompression), s.requireAdmin)
	{
		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handleUpdateSettings)
		admin := api.Group("/admin")
		{
			admin.GET("/nodes", s.handleListNodes)
			admin.POST("/nodes/:id/reconnect", s.handleReconnectNode)
			admin.POST("/users/:username/provision", s.handleAddUser)
			admin.PUT("/users/:username/provision", s.handleProvisionUser)
			admin.DELETE("/users/:username/provision", s.handleRevokeUser)
		}
	}

	sub := s.engine.Group("/" + s.cfg.SubscriptionPath)
	{
		sub.GET("/:token", s.handleSubscription)
		sub.GET("/:token/", s.handleSubscription)
		sub.GET("/:token/info", s.handleSubscriptionInfo)
		sub.GET("/:token/usage", s.handleSubscriptionUsage)
		sub.GET("/:token/:client_type", s.handleSubscriptionWithType)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": s.now()})
}

func (s *Server) requireAdmin(c *gin.Context) {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	token := s.cfg.AdminToken
	if token == "" || !strings.HasPrefix(header, prefix) ||
		subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(header, prefix)), []byte(token)) != 1 {
		s.respondError(c, http.StatusUnauthorized, "unauthorized")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) handleListNodes(c *gin.Context) {
	ctx := c.Request.Context()
	nodes, err := s.nodes.GetAllNodes(ctx)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := s.nodes.GetSummary(ctx)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		view := NodeView{
			ID:               n.ID,
			Name:             n.Name,
			Address:          n.Address,
			APIPort:          n.APIPort,
			Status:           n.Status,
			Message:          n.Message,
			XrayVersion:      n.XrayVersion,
			LastStatusChange: n.LastStatusChange,
			Healthy:          s.fleet.Health().Healthy(n.ID),
			Failures:         s.fleet.Backoff().Failures(n.ID),
		}
		if _, checkedAt, found := s.fleet.Health().Snapshot(n.ID); found {
			view.LastCheckedAt = &checkedAt
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"nodes": views, "summary": summary}})
}

func (s *Server) handleReconnectNode(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid node id")
		return
	}
	n, err := s.nodes.GetNode(c.Request.Context(), uint(id))
	if err != nil {
		s.respondLookupError(c, err)
		return
	}
	if n.Status == model.NodeStatusDisabled {
		s.respondError(c, http.StatusBadRequest, "node is disabled")
		return
	}
	s.fleet.ForceReconnect(n.ID, nil)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// handleAddUser grants a newly created user its inbounds.
func (s *Server) handleAddUser(c *gin.Context) {
	u, err := s.users.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.respondLookupError(c, err)
		return
	}
	s.provisioner.AddUser(u)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleProvisionUser(c *gin.Context) {
	u, err := s.users.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.respondLookupError(c, err)
		return
	}
	s.provisioner.UpdateUser(u)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleRevokeUser(c *gin.Context) {
	u, err := s.users.GetByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.respondLookupError(c, err)
		return
	}
	s.provisioner.RemoveUser(u)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.settings.Metadata()})
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid payload")
		return
	}
	updated, err := s.settings.Update(c.Request.Context(), raw)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidSetting) {
			status = http.StatusBadRequest
		}
		s.respondError(c, status, err.Error())
		return
	}
	s.subscriptions.Cache().Purge()
	logger.Infof("settings updated: %d values", len(updated))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": updated})
}

func (s *Server) respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrNotFound) {
		s.respondError(c, http.StatusNotFound, "not found")
		return
	}
	s.respondError(c, http.StatusInternalServerError, err.Error())
}

func (s *Server) respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}
