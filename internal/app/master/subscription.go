package master

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"x-fleet/internal/hwid"
	"x-fleet/internal/logger"
	"x-fleet/internal/model"
	"x-fleet/internal/service"
	"x-fleet/internal/subscription"

	"github.com/gin-gonic/gin"
)

const (
	headerHWID        = "x-hwid"
	headerDeviceOS    = "x-device-os"
	headerDeviceModel = "x-device-model"
	headerOSVersion   = "x-ver-os"
	headerCacheStatus = "x-subscription-cache"

	defaultUsageWindow = 30 * 24 * time.Hour
)

func (s *Server) handleSubscription(c *gin.Context) {
	s.serveSubscription(c, nil)
}

func (s *Server) handleSubscriptionWithType(c *gin.Context) {
	f, err := subscription.ParseFormat(c.Param("client_type"))
	if err != nil {
		s.respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	s.serveSubscription(c, &f)
}

// serveSubscription renders the subscription of the token's user. With a
// nil format the client is detected from its user agent and the fetch is
// recorded on the user.
func (s *Server) serveSubscription(c *gin.Context, f *subscription.Format) {
	ctx := c.Request.Context()
	u, ok := s.userByToken(c)
	if !ok {
		return
	}
	userAgent := c.GetHeader("User-Agent")

	var profile subscription.ClientProfile
	if f == nil {
		profile = subscription.DetectClient(userAgent, s.cfg.Settings)
	} else {
		profile = subscription.ClientProfileFor(*f)
	}

	if !s.gate.Allow(ctx, u, deviceOf(c)) {
		s.serveDenied(c, u, profile, userAgent)
		return
	}

	doc, err := s.subscriptions.Generate(ctx, u, profile)
	if err != nil {
		logger.Errorf("render %s subscription of %q: %v", profile.Format, u.Username, err)
		c.Status(http.StatusOK)
		return
	}

	if f == nil {
		if err := s.users.UpdateSubscription(ctx, u.ID, userAgent, s.now()); err != nil {
			logger.Warningf("record subscription fetch of %q: %v", u.Username, err)
		}
	}

	s.writeHeaders(c, u, userAgent)
	if doc.CacheHit {
		c.Header(headerCacheStatus, "hit")
	} else {
		c.Header(headerCacheStatus, "miss")
	}
	c.Data(http.StatusOK, doc.MediaType, []byte(doc.Body))
}

// serveDenied answers a device over its limit: the decoy when notes are
// configured, an empty body otherwise.
func (s *Server) serveDenied(c *gin.Context, u *model.User, profile subscription.ClientProfile, userAgent string) {
	doc, ok, err := s.subscriptions.GenerateDecoy(u, profile)
	if err != nil {
		logger.Warningf("render decoy for %q: %v", u.Username, err)
	}
	if err != nil || !ok {
		c.Status(http.StatusOK)
		return
	}
	s.writeHeaders(c, u, userAgent)
	c.Data(http.StatusOK, doc.MediaType, []byte(doc.Body))
}

// allowDevice runs the device gate for the info and usage routes. A denied
// device gets an empty 200.
func (s *Server) allowDevice(c *gin.Context, u *model.User) bool {
	if s.gate.Allow(c.Request.Context(), u, deviceOf(c)) {
		return true
	}
	c.Status(http.StatusOK)
	return false
}

func deviceOf(c *gin.Context) hwid.Device {
	return hwid.Device{
		HWID:      strings.TrimSpace(c.GetHeader(headerHWID)),
		OS:        c.GetHeader(headerDeviceOS),
		Model:     c.GetHeader(headerDeviceModel),
		OSVersion: c.GetHeader(headerOSVersion),
		UserAgent: c.GetHeader("User-Agent"),
	}
}

func (s *Server) writeHeaders(c *gin.Context, u *model.User, userAgent string) {
	for _, h := range s.subscriptions.Headers(u, requestURL(c), userAgent) {
		c.Header(h.Name, h.Value)
	}
}

func (s *Server) handleSubscriptionInfo(c *gin.Context) {
	u, ok := s.userByToken(c)
	if !ok {
		return
	}
	if !s.allowDevice(c, u) {
		return
	}
	info := SubscriptionInfo{
		Username:               u.Username,
		Status:                 u.Status,
		UsedTraffic:            u.UsedTraffic,
		DataLimit:              u.DataLimit,
		DataLimitResetStrategy: u.DataLimitResetStrategy,
		Expire:                 u.Expire,
		OnHoldExpireDuration:   u.OnHoldExpireDuration,
		SubUpdatedAt:           u.SubUpdatedAt,
		SubLastUserAgent:       u.SubLastUserAgent,
		SubscriptionURL:        subscriptionURL(c, s.cfg.SubscriptionPath, u.SubToken),
		Links:                  []string{},
	}

	doc, err := s.subscriptions.Generate(c.Request.Context(), u, subscription.ClientProfile{Format: subscription.FormatV2ray})
	if err != nil {
		logger.Warningf("render links of %q: %v", u.Username, err)
	} else if doc.Body != "" {
		info.Links = strings.Split(doc.Body, "\n")
	}

	if next := nextReset(u, s.now()); next != nil {
		days := int(next.Sub(s.now()).Hours()/24) + 1
		info.NextResetAt = next
		info.NextResetDays = &days
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleSubscriptionUsage(c *gin.Context) {
	u, ok := s.userByToken(c)
	if !ok {
		return
	}
	if !s.allowDevice(c, u) {
		return
	}
	end := s.now()
	start := end.Add(-defaultUsageWindow)
	var err error
	if raw := c.Query("start"); raw != "" {
		if start, err = parseDate(raw); err != nil {
			s.respondError(c, http.StatusBadRequest, "invalid start date")
			return
		}
	}
	if raw := c.Query("end"); raw != "" {
		if end, err = parseDate(raw); err != nil {
			s.respondError(c, http.StatusBadRequest, "invalid end date")
			return
		}
	}
	if !start.Before(end) {
		s.respondError(c, http.StatusBadRequest, "start must be before end")
		return
	}

	usages, err := s.users.Usages(c.Request.Context(), u.ID, start, end)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, UsageResponse{Username: u.Username, Usages: usages})
}

func (s *Server) userByToken(c *gin.Context) (*model.User, bool) {
	u, err := s.users.GetByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			logger.Warningf("subscription lookup: %v", err)
		}
		s.respondError(c, http.StatusNotFound, "not found")
		return nil, false
	}
	return u, true
}

// nextReset returns when the user's data usage is next reset, or nil for
// users without a periodic reset.
func nextReset(u *model.User, now time.Time) *time.Time {
	var period time.Duration
	switch u.DataLimitResetStrategy {
	case model.ResetDay:
		period = 24 * time.Hour
	case model.ResetWeek:
		period = 7 * 24 * time.Hour
	case model.ResetMonth:
		period = 30 * 24 * time.Hour
	case model.ResetYear:
		period = 365 * 24 * time.Hour
	default:
		return nil
	}
	last := u.CreatedAt
	if u.LastTrafficResetAt != nil {
		last = *u.LastTrafficResetAt
	}
	next := last.Add(period)
	if !next.After(now) {
		elapsed := now.Sub(last) / period
		next = last.Add((elapsed + 1) * period)
	}
	return &next
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func requestURL(c *gin.Context) string {
	return scheme(c) + "://" + c.Request.Host + c.Request.URL.RequestURI()
}

func subscriptionURL(c *gin.Context, path, token string) string {
	return scheme(c) + "://" + c.Request.Host + "/" + path + "/" + token
}

func scheme(c *gin.Context) string {
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if c.Request.TLS != nil {
		return "https"
	}
	return "http"
}
