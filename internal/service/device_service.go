package service

import (
	"context"
	"time"

	"x-fleet/internal/hwid"
	"x-fleet/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceService persists hwid device sightings.
type DeviceService struct {
	db *gorm.DB
}

func NewDeviceService(db *gorm.DB) *DeviceService {
	return &DeviceService{db: db}
}

var _ hwid.Repository = (*DeviceService)(nil)

func (s *DeviceService) DeleteUserDevicesBefore(ctx context.Context, userID uint, cutoff time.Time) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND last_seen_at < ?", userID, cutoff).
		Delete(&model.HwidDevice{}).Error
}

// DeleteDevicesBefore removes devices of all users last seen before cutoff
// and returns how many were deleted.
func (s *DeviceService) DeleteDevicesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("last_seen_at < ?", cutoff).Delete(&model.HwidDevice{})
	return res.RowsAffected, res.Error
}

func (s *DeviceService) HasDevice(ctx context.Context, userID uint, hwidValue string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.HwidDevice{}).
		Where("user_id = ? AND hwid = ?", userID, hwidValue).
		Count(&count).Error
	return count > 0, err
}

func (s *DeviceService) CountDevices(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.HwidDevice{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

// UpsertDevice inserts the device or refreshes its metadata and last seen
// time. Empty metadata never overwrites a stored value.
func (s *DeviceService) UpsertDevice(ctx context.Context, userID uint, d hwid.Device, seenAt time.Time) error {
	device := model.HwidDevice{
		UserID:          userID,
		HWID:            d.HWID,
		DeviceOS:        d.OS,
		DeviceModel:     d.Model,
		DeviceOSVersion: d.OSVersion,
		UserAgent:       d.UserAgent,
		CreatedAt:       seenAt,
		LastSeenAt:      seenAt,
	}
	updates := map[string]interface{}{"last_seen_at": seenAt}
	for column, value := range map[string]string{
		"device_os":         d.OS,
		"device_model":      d.Model,
		"device_os_version": d.OSVersion,
		"user_agent":        d.UserAgent,
	} {
		if value != "" {
			updates[column] = value
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "hwid"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&device).Error
}

func (s *DeviceService) ListDevices(ctx context.Context, userID uint) ([]model.HwidDevice, error) {
	var devices []model.HwidDevice
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("last_seen_at DESC").Find(&devices).Error
	return devices, err
}
