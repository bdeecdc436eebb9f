package subscription

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/logger"
	"x-fleet/internal/model"
)

// HostSource loads the host override rows grouped by inbound tag.
type HostSource interface {
	HostsByTag(ctx context.Context) (map[string][]model.ProxyHost, error)
}

// Document is a rendered subscription.
type Document struct {
	Body      string
	MediaType string
	CacheHit  bool
}

// Service renders subscriptions through the cache.
type Service struct {
	resolver *Resolver
	hosts    HostSource
	cache    *Cache
	settings *config.Settings
	server   ServerInfo
	now      func() time.Time
}

func NewService(resolver *Resolver, hosts HostSource, cache *Cache, settings *config.Settings, server ServerInfo) *Service {
	return &Service{
		resolver: resolver,
		hosts:    hosts,
		cache:    cache,
		settings: settings,
		server:   server,
		now:      time.Now,
	}
}

func (s *Service) Cache() *Cache {
	return s.cache
}

// Variables returns the format variables of u at the current time.
func (s *Service) Variables(u *model.User) Variables {
	return NewVariables(u, s.server, s.settings, s.now())
}

// Generate renders u for profile, serving from the cache when possible.
func (s *Service) Generate(ctx context.Context, u *model.User, profile ClientProfile) (Document, error) {
	key := NewCacheKey(u, profile.Format, profile.Reverse, profile.Base64)
	if body, ok := s.cache.Get(key); ok {
		return Document{Body: body, MediaType: profile.Format.MediaType(), CacheHit: true}, nil
	}

	hosts, err := s.hosts.HostsByTag(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("load hosts: %w", err)
	}
	entries := s.resolver.Resolve(u, s.Variables(u), hosts, profile.Format, profile.Reverse)
	body, err := render(entries, profile)
	if err != nil {
		return Document{}, err
	}
	s.cache.Put(key, body)
	return Document{Body: body, MediaType: profile.Format.MediaType()}, nil
}

// GenerateDecoy renders the placeholder subscription shown to a device
// over the limit. It reports false when no device-limit notes are set.
func (s *Service) GenerateDecoy(u *model.User, profile ClientProfile) (Document, bool, error) {
	notes := s.settings.StatusNotes("hwid_limit")
	if len(notes) == 0 {
		return Document{}, false, nil
	}
	body, err := render(DecoyEntries(s.Variables(u), profile.Format, notes), profile)
	if err != nil {
		return Document{}, false, err
	}
	return Document{Body: body, MediaType: profile.Format.MediaType()}, true, nil
}

func render(entries []Entry, profile ClientProfile) (string, error) {
	r, err := NewRenderer(profile.Format)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		r.Add(e)
	}
	body, err := r.Render(profile.Reverse)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", profile.Format, err)
	}
	if profile.Base64 {
		body = base64.StdEncoding.EncodeToString([]byte(body))
	}
	return body, nil
}

// Header is one response header, kept in emission order.
type Header struct {
	Name  string
	Value string
}

// Headers returns the subscription response headers for u.
func (s *Service) Headers(u *model.User, pageURL, userAgent string) []Header {
	title := fmt.Sprintf("%s - %s", s.settings.String(config.SubProfileTitle), u.Username)
	headers := []Header{
		{"content-disposition", fmt.Sprintf("attachment; filename=%q", u.Username)},
		{"profile-web-page-url", pageURL},
		{"support-url", s.settings.String(config.SubSupportURL)},
		{"profile-title", EncodeTitle(title)},
		{"profile-update-interval", s.settings.String(config.SubUpdateInterval)},
		{"subscription-userinfo", UserInfo(u)},
	}

	custom, err := config.ParseCustomHeaders(s.settings.String(config.CustomHeaders))
	if err != nil {
		logger.Warningf("ignoring custom subscription headers: %v", err)
		return headers
	}
	for _, h := range custom {
		if h.UserAgent != "" {
			re, err := regexp.Compile(h.UserAgent)
			if err != nil || !re.MatchString(userAgent) {
				continue
			}
		}
		headers = append(headers, Header{h.Name, h.Value})
	}
	return headers
}

// UserInfo formats the subscription-userinfo header value.
func UserInfo(u *model.User) string {
	var total, expire int64
	if u.DataLimit != nil {
		total = *u.DataLimit
	}
	if u.Expire != nil {
		expire = *u.Expire
	}
	return fmt.Sprintf("upload=0; download=%d; total=%d; expire=%d", u.UsedTraffic, total, expire)
}

// EncodeTitle encodes a profile title the way clients expect it.
func EncodeTitle(text string) string {
	return "base64:" + base64.StdEncoding.EncodeToString([]byte(text))
}
