package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"x-fleet/internal/model"

	"gorm.io/gorm"
)

type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) GetByToken(ctx context.Context, token string) (*model.User, error) {
	return s.first(ctx, "sub_token = ?", token)
}

func (s *UserService) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.first(ctx, "username = ?", username)
}

func (s *UserService) first(ctx context.Context, query string, arg any) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Preload("Proxies").Where(query, arg).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// ActiveUsers returns the users that hold engine accounts: active and on hold.
func (s *UserService) ActiveUsers(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := s.db.WithContext(ctx).
		Preload("Proxies").
		Where("status IN ?", []model.UserStatus{model.UserStatusActive, model.UserStatusOnHold}).
		Order("id").
		Find(&users).Error
	return users, err
}

func (s *UserService) Create(ctx context.Context, user *model.User) error {
	if user.Username == "" {
		return errors.New("username is required")
	}
	if user.SubToken == "" {
		return errors.New("subscription token is required")
	}
	return s.db.WithContext(ctx).Create(user).Error
}

// UpdateSubscription records the last subscription fetch of a user.
func (s *UserService) UpdateSubscription(ctx context.Context, userID uint, userAgent string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"sub_updated_at":      at,
			"sub_last_user_agent": userAgent,
		}).Error
}

type UserUsage struct {
	NodeID      *uint  `json:"node_id"`
	NodeName    string `json:"node_name"`
	UsedTraffic int64  `json:"used_traffic"`
}

// Usages sums the user's traffic per node within [start, end). Traffic of
// the main engine is reported under "Master".
func (s *UserService) Usages(ctx context.Context, userID uint, start, end time.Time) ([]UserUsage, error) {
	var rows []UserUsage
	err := s.db.WithContext(ctx).
		Table("node_user_usages AS u").
		Select("u.node_id AS node_id, COALESCE(n.name, 'Master') AS node_name, SUM(u.used_traffic) AS used_traffic").
		Joins("LEFT JOIN nodes AS n ON n.id = u.node_id").
		Where("u.user_id = ? AND u.created_at >= ? AND u.created_at < ?", userID, start, end).
		Group("u.node_id, n.name").
		Order("u.node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []UserUsage{}
	}
	return rows, nil
}
