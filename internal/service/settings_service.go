package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"x-fleet/internal/config"
	"x-fleet/internal/logger"
	"x-fleet/internal/model"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidSetting = errors.New("invalid setting")

// SettingsService keeps the live settings store in sync with the
// app_settings table.
type SettingsService struct {
	db       *gorm.DB
	settings *config.Settings
}

func NewSettingsService(db *gorm.DB, settings *config.Settings) *SettingsService {
	return &SettingsService{db: db, settings: settings}
}

func (s *SettingsService) Settings() *config.Settings {
	return s.settings
}

// Load applies every stored override on top of the current values. Rows
// with unknown keys or invalid values are skipped.
func (s *SettingsService) Load(ctx context.Context) error {
	var rows []model.AppSetting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		var value any
		if err := json.Unmarshal(row.Value, &value); err != nil {
			logger.Warningf("setting %s: decode stored value: %v", row.Key, err)
			continue
		}
		if _, err := s.settings.Apply(map[string]any{row.Key: value}); err != nil {
			logger.Warningf("setting %s: ignore stored value: %v", row.Key, err)
		}
	}
	return nil
}

// Update validates raw as a whole, persists it and then applies it to the
// live store. Nothing is stored when any entry is invalid.
func (s *SettingsService) Update(ctx context.Context, raw map[string]any) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no settings given", ErrInvalidSetting)
	}
	parsed, err := config.NewSettings().Apply(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSetting, err)
	}

	rows := make([]model.AppSetting, 0, len(parsed))
	for key, value := range parsed {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		rows = append(rows, model.AppSetting{Key: key, Value: data})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.settings.Apply(parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

type SettingInfo struct {
	Key             string   `json:"key"`
	Type            string   `json:"type"`
	Value           any      `json:"value"`
	Default         any      `json:"default"`
	RequiresRestart bool     `json:"requires_restart"`
	AllowedValues   []string `json:"allowed_values,omitempty"`
}

// Metadata describes every setting with its current value, in registry order.
func (s *SettingsService) Metadata() []SettingInfo {
	values := s.settings.Values()
	out := make([]SettingInfo, 0, len(config.Definitions))
	for _, d := range config.Definitions {
		out = append(out, SettingInfo{
			Key:             d.Key,
			Type:            string(d.Type),
			Value:           values[d.Key],
			Default:         d.Default,
			RequiresRestart: d.RequiresRestart,
			AllowedValues:   d.AllowedValues,
		})
	}
	return out
}
