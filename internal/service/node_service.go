package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"x-fleet/internal/model"
	"x-fleet/internal/security"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type NodeService struct {
	db *gorm.DB
}

func NewNodeService(db *gorm.DB) *NodeService {
	return &NodeService{db: db}
}

// UpsertNode creates a node or updates the one with the same name.
func (s *NodeService) UpsertNode(ctx context.Context, node *model.Node) error {
	if node.Name == "" {
		return errors.New("node name is required")
	}
	if node.Status == "" {
		node.Status = model.NodeStatusConnecting
	}
	// an empty secret keeps the stored one, or gets a fresh one on insert
	columns := []string{"address", "api_port", "use_tls", "usage_coefficient", "updated_at"}
	if node.SecretKey != "" {
		columns = append(columns, "secret_key")
	} else {
		secret, err := security.GenerateSecret(32)
		if err != nil {
			return err
		}
		node.SecretKey = secret
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(node).Error
}

func (s *NodeService) GetNode(ctx context.Context, id uint) (*model.Node, error) {
	var node model.Node
	if err := s.db.WithContext(ctx).First(&node, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &node, nil
}

func (s *NodeService) GetAllNodes(ctx context.Context) ([]*model.Node, error) {
	var nodes []*model.Node
	if err := s.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListEnabledNodes returns every node that is not disabled.
func (s *NodeService) ListEnabledNodes(ctx context.Context) ([]*model.Node, error) {
	var nodes []*model.Node
	if err := s.db.WithContext(ctx).
		Where("status <> ?", model.NodeStatusDisabled).
		Order("id").
		Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// SetConnecting moves every enabled node to connecting, used at start-up.
func (s *NodeService) SetConnecting(ctx context.Context) error {
	return s.db.WithContext(ctx).Model(&model.Node{}).
		Where("status <> ?", model.NodeStatusDisabled).
		Updates(map[string]interface{}{
			"status":             model.NodeStatusConnecting,
			"last_status_change": time.Now(),
		}).Error
}

// UpdateNodeStatus persists a status change. A node that became disabled
// in the meantime keeps its disabled status.
func (s *NodeService) UpdateNodeStatus(ctx context.Context, id uint, status model.NodeStatus, message, version string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node model.Node
		if err := tx.First(&node, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("node %d: %w", id, ErrNotFound)
			}
			return err
		}
		if node.Status == model.NodeStatusDisabled && status != model.NodeStatusDisabled {
			return nil
		}
		return tx.Model(&node).Updates(map[string]interface{}{
			"status":             status,
			"message":            message,
			"xray_version":       version,
			"last_status_change": time.Now(),
		}).Error
	})
}

type NodeSummary struct {
	TotalNodes      int64     `json:"total_nodes"`
	ConnectedNodes  int64     `json:"connected_nodes"`
	ConnectingNodes int64     `json:"connecting_nodes"`
	ErrorNodes      int64     `json:"error_nodes"`
	DisabledNodes   int64     `json:"disabled_nodes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s *NodeService) GetSummary(ctx context.Context) (*NodeSummary, error) {
	summary := &NodeSummary{UpdatedAt: time.Now()}

	var rows []struct {
		Status model.NodeStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).
		Model(&model.Node{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		summary.TotalNodes += row.Count
		switch row.Status {
		case model.NodeStatusConnected:
			summary.ConnectedNodes = row.Count
		case model.NodeStatusConnecting:
			summary.ConnectingNodes = row.Count
		case model.NodeStatusError:
			summary.ErrorNodes = row.Count
		case model.NodeStatusDisabled:
			summary.DisabledNodes = row.Count
		}
	}
	return summary, nil
}
