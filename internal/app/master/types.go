package master

import (
	"context"
	"time"

	"x-fleet/internal/model"
	"x-fleet/internal/node"
	"x-fleet/internal/service"
)

// UserStore is the user persistence used by the HTTP surface.
type UserStore interface {
	GetByToken(ctx context.Context, token string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	UpdateSubscription(ctx context.Context, userID uint, userAgent string, at time.Time) error
	Usages(ctx context.Context, userID uint, start, end time.Time) ([]service.UserUsage, error)
}

type NodeStore interface {
	GetNode(ctx context.Context, id uint) (*model.Node, error)
	GetAllNodes(ctx context.Context) ([]*model.Node, error)
	GetSummary(ctx context.Context) (*service.NodeSummary, error)
}

// NodeControl is the part of the connection manager the admin API drives.
type NodeControl interface {
	ForceReconnect(id uint, config []byte)
	Health() *node.HealthStore
	Backoff() *node.BackoffStore
}

type Provisioning interface {
	AddUser(u *model.User)
	UpdateUser(u *model.User)
	RemoveUser(u *model.User)
}

type SettingsStore interface {
	Update(ctx context.Context, raw map[string]any) (map[string]any, error)
	Metadata() []service.SettingInfo
}

type NodeView struct {
	ID               uint             `json:"id"`
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	APIPort          int              `json:"api_port"`
	Status           model.NodeStatus `json:"status"`
	Message          string           `json:"message,omitempty"`
	XrayVersion      string           `json:"xray_version,omitempty"`
	LastStatusChange *time.Time       `json:"last_status_change,omitempty"`
	Healthy          bool             `json:"healthy"`
	LastCheckedAt    *time.Time       `json:"last_checked_at,omitempty"`
	Failures         int              `json:"failures"`
}

type SubscriptionInfo struct {
	Username               string              `json:"username"`
	Status                 model.UserStatus    `json:"status"`
	UsedTraffic            int64               `json:"used_traffic"`
	DataLimit              *int64              `json:"data_limit"`
	DataLimitResetStrategy model.ResetStrategy `json:"data_limit_reset_strategy"`
	Expire                 *int64              `json:"expire"`
	OnHoldExpireDuration   *int64              `json:"on_hold_expire_duration,omitempty"`
	SubUpdatedAt           *time.Time          `json:"sub_updated_at"`
	SubLastUserAgent       string              `json:"sub_last_user_agent"`
	SubscriptionURL        string              `json:"subscription_url"`
	Links                  []string            `json:"links"`
	NextResetDays          *int                `json:"next_reset_days"`
	NextResetAt            *time.Time          `json:"next_reset_at"`
}

type UsageResponse struct {
	Username string              `json:"username"`
	Usages   []service.UserUsage `json:"usages"`
}
