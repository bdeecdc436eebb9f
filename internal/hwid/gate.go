// Package hwid limits how many distinct devices may fetch a user's subscription.
package hwid

import (
	"context"
	"time"

	"x-fleet/internal/config"
	"x-fleet/internal/logger"
	"x-fleet/internal/model"
)

type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeLogging  Mode = "logging"
	ModeEnabled  Mode = "enabled"
)

// Device is the identity a client presents with a subscription request.
type Device struct {
	HWID      string
	OS        string
	Model     string
	OSVersion string
	UserAgent string
}

// Repository persists device sightings.
type Repository interface {
	// DeleteUserDevicesBefore removes the user's devices last seen before cutoff.
	DeleteUserDevicesBefore(ctx context.Context, userID uint, cutoff time.Time) error
	// HasDevice reports whether hwid is already known for the user.
	HasDevice(ctx context.Context, userID uint, hwid string) (bool, error)
	CountDevices(ctx context.Context, userID uint) (int64, error)
	// UpsertDevice records a sighting, refreshing metadata of a known device.
	UpsertDevice(ctx context.Context, userID uint, d Device, seenAt time.Time) error
}

// Gate decides whether a device may receive a subscription.
type Gate struct {
	repo     Repository
	settings *config.Settings
	now      func() time.Time
}

func NewGate(repo Repository, settings *config.Settings) *Gate {
	return &Gate{repo: repo, settings: settings, now: time.Now}
}

// ModeFor returns the effective mode of u: the per-user switch when set,
// the global setting otherwise.
func (g *Gate) ModeFor(u *model.User) Mode {
	if u.HwidDeviceLimitEnabled != nil {
		if *u.HwidDeviceLimitEnabled {
			return ModeEnabled
		}
		return ModeDisabled
	}
	return Mode(g.settings.String(config.HwidDeviceLimitMode))
}

// LimitFor returns the effective device limit of u; <= 0 means unlimited.
func (g *Gate) LimitFor(u *model.User) int {
	if u.HwidDeviceLimit != nil {
		return *u.HwidDeviceLimit
	}
	return g.settings.Int(config.HwidFallbackDeviceLimit)
}

// Allow reports whether d may fetch u's subscription. Persistence errors
// never block a client: they are logged and the request is allowed.
func (g *Gate) Allow(ctx context.Context, u *model.User, d Device) bool {
	mode := g.ModeFor(u)
	if mode == ModeDisabled {
		return true
	}
	if d.HWID == "" {
		return mode == ModeLogging
	}

	now := g.now()
	if days := g.settings.Int(config.HwidDeviceRetentionDays); days >= 0 {
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		if err := g.repo.DeleteUserDevicesBefore(ctx, u.ID, cutoff); err != nil {
			logger.Warningf("hwid: evict stale devices of %q: %v", u.Username, err)
		}
	}

	if mode == ModeLogging {
		g.record(ctx, u, d, now)
		return true
	}

	limit := g.LimitFor(u)
	if limit <= 0 {
		g.record(ctx, u, d, now)
		return true
	}

	known, err := g.repo.HasDevice(ctx, u.ID, d.HWID)
	if err != nil {
		logger.Warningf("hwid: look up device of %q: %v", u.Username, err)
		return true
	}
	if !known {
		count, err := g.repo.CountDevices(ctx, u.ID)
		if err != nil {
			logger.Warningf("hwid: count devices of %q: %v", u.Username, err)
			return true
		}
		if count >= int64(limit) {
			logger.Infof("hwid: device limit %d reached for %q", limit, u.Username)
			return false
		}
	}
	g.record(ctx, u, d, now)
	return true
}

func (g *Gate) record(ctx context.Context, u *model.User, d Device, now time.Time) {
	if err := g.repo.UpsertDevice(ctx, u.ID, d, now); err != nil {
		logger.Warningf("hwid: record device of %q: %v", u.Username, err)
	}
}
