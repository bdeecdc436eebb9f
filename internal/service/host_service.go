package service

import (
	"context"

	"x-fleet/internal/model"

	"gorm.io/gorm"
)

type HostService struct {
	db *gorm.DB
}

func NewHostService(db *gorm.DB) *HostService {
	return &HostService{db: db}
}

// HostsByTag returns every host row grouped by inbound tag, ordered by
// priority then id.
func (s *HostService) HostsByTag(ctx context.Context) (map[string][]model.ProxyHost, error) {
	var hosts []model.ProxyHost
	if err := s.db.WithContext(ctx).Order("priority").Order("id").Find(&hosts).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]model.ProxyHost)
	for _, h := range hosts {
		out[h.InboundTag] = append(out[h.InboundTag], h)
	}
	return out, nil
}

func (s *HostService) Create(ctx context.Context, host *model.ProxyHost) error {
	if host.Security == "" {
		host.Security = model.HostSecurityInboundDefault
	}
	return s.db.WithContext(ctx).Create(host).Error
}
