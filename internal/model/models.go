package model

import (
	"time"

	"gorm.io/datatypes"
)

type NodeStatus string

const (
	NodeStatusConnected  NodeStatus = "connected"
	NodeStatusConnecting NodeStatus = "connecting"
	NodeStatusError      NodeStatus = "error"
	NodeStatusDisabled   NodeStatus = "disabled"
)

type Node struct {
	ID               uint       `gorm:"primaryKey"`
	Name             string     `gorm:"size:256;uniqueIndex;not null"`
	Address          string     `gorm:"size:256;not null"`
	APIPort          int        `gorm:"not null;default:62050"`
	UseTLS           bool       `gorm:"default:true"`
	SecretKey        string     `gorm:"size:255"`
	UsageCoefficient float64    `gorm:"not null;default:1"`
	Status           NodeStatus `gorm:"type:varchar(20);not null;default:'connecting'"`
	Message          string     `gorm:"size:1024"`
	XrayVersion      string     `gorm:"size:32"`
	LastStatusChange *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Node) TableName() string {
	return "nodes"
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
	UserStatusLimited  UserStatus = "limited"
	UserStatusExpired  UserStatus = "expired"
	UserStatusOnHold   UserStatus = "on_hold"
)

type ResetStrategy string

const (
	ResetNone  ResetStrategy = "no_reset"
	ResetDay   ResetStrategy = "day"
	ResetWeek  ResetStrategy = "week"
	ResetMonth ResetStrategy = "month"
	ResetYear  ResetStrategy = "year"
)

type User struct {
	ID                     uint          `gorm:"primaryKey"`
	Username               string        `gorm:"size:34;uniqueIndex;not null"`
	Status                 UserStatus    `gorm:"type:varchar(16);not null;default:'active'"`
	UsedTraffic            int64         `gorm:"not null;default:0"`
	DataLimit              *int64        // bytes; nil or 0 means unlimited
	Expire                 *int64        // unix seconds
	OnHoldExpireDuration   *int64        // seconds
	DataLimitResetStrategy ResetStrategy `gorm:"type:varchar(16);not null;default:'no_reset'"`
	LastTrafficResetAt     *time.Time
	SubToken               string `gorm:"size:64;uniqueIndex;not null"`
	SubUpdatedAt           *time.Time
	SubLastUserAgent       string `gorm:"size:512"`
	HwidDeviceLimit        *int
	HwidDeviceLimitEnabled *bool
	CreatedAt              time.Time
	UpdatedAt              time.Time

	Proxies []Proxy `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (User) TableName() string {
	return "users"
}

type ProxyType string

const (
	ProxyVMess       ProxyType = "vmess"
	ProxyVLESS       ProxyType = "vless"
	ProxyTrojan      ProxyType = "trojan"
	ProxyShadowsocks ProxyType = "shadowsocks"
)

// ProxySettings holds the per-protocol credentials of a user. Only the
// fields relevant to the proxy type are set.
type ProxySettings struct {
	ID       string `json:"id,omitempty"`
	Flow     string `json:"flow,omitempty"`
	Password string `json:"password,omitempty"`
	Method   string `json:"method,omitempty"`
}

type Proxy struct {
	ID               uint                              `gorm:"primaryKey"`
	UserID           uint                              `gorm:"index;not null"`
	Type             ProxyType                         `gorm:"type:varchar(16);not null"`
	Settings         datatypes.JSONType[ProxySettings] `gorm:"not null"`
	ExcludedInbounds datatypes.JSONSlice[string]
}

func (Proxy) TableName() string {
	return "proxies"
}

type HostSecurity string

const (
	HostSecurityInboundDefault HostSecurity = "inbound_default"
	HostSecurityNone           HostSecurity = "none"
	HostSecurityTLS            HostSecurity = "tls"
)

// ProxyHost is a per-inbound override of the connection parameters shown to clients.
type ProxyHost struct {
	ID                uint                        `gorm:"primaryKey"`
	InboundTag        string                      `gorm:"size:256;index;not null"`
	Remark            string                      `gorm:"size:256;not null"`
	Address           datatypes.JSONSlice[string] `gorm:"not null"`
	Port              *int
	Path              *string `gorm:"size:256"`
	SNI               datatypes.JSONSlice[string]
	Host              datatypes.JSONSlice[string]
	Security          HostSecurity `gorm:"type:varchar(20);not null;default:'inbound_default'"`
	ALPN              string       `gorm:"size:32"`
	Fingerprint       string       `gorm:"size:32"`
	AllowInsecure     *bool
	IsDisabled        bool
	MuxEnable         bool
	FragmentSetting   string `gorm:"size:100"`
	NoiseSetting      string `gorm:"size:2000"`
	RandomUserAgent   bool
	UseSNIAsHost      bool
	OutboundTag       *string `gorm:"size:256"`
	BalancerTags      datatypes.JSONSlice[string]
	MergePrimary      bool
	SubscriptionTypes datatypes.JSONSlice[string]
	Priority          int `gorm:"not null;default:0"`
}

func (ProxyHost) TableName() string {
	return "hosts"
}

type HwidDevice struct {
	ID              uint   `gorm:"primaryKey"`
	UserID          uint   `gorm:"not null;uniqueIndex:uq_hwid_devices_user_hwid"`
	HWID            string `gorm:"column:hwid;size:128;not null;uniqueIndex:uq_hwid_devices_user_hwid"`
	DeviceOS        string `gorm:"size:64"`
	DeviceModel     string `gorm:"size:128"`
	DeviceOSVersion string `gorm:"size:64"`
	UserAgent       string `gorm:"size:512"`
	CreatedAt       time.Time
	LastSeenAt      time.Time `gorm:"index;not null"`
}

func (HwidDevice) TableName() string {
	return "hwid_devices"
}

type AppSetting struct {
	Key   string         `gorm:"primaryKey;size:128"`
	Value datatypes.JSON `gorm:"not null"`
}

func (AppSetting) TableName() string {
	return "app_settings"
}

// TLSCertificate is the client certificate the master presents to nodes.
type TLSCertificate struct {
	ID          uint   `gorm:"primaryKey"`
	Key         string `gorm:"type:text;not null"`
	Certificate string `gorm:"type:text;not null"`
	CreatedAt   time.Time
}

func (TLSCertificate) TableName() string {
	return "tls"
}

// NodeUserUsage accumulates a user's traffic per node per hour. A nil
// NodeID is the main engine.
type NodeUserUsage struct {
	ID          uint      `gorm:"primaryKey"`
	CreatedAt   time.Time `gorm:"uniqueIndex:uq_node_user_usage;not null"`
	UserID      uint      `gorm:"uniqueIndex:uq_node_user_usage;not null"`
	NodeID      *uint     `gorm:"uniqueIndex:uq_node_user_usage"`
	UsedTraffic int64     `gorm:"not null;default:0"`
}

func (NodeUserUsage) TableName() string {
	return "node_user_usages"
}
