// Package store persists port mappings.
package store

import (
	"context"
	"errors"
	"fmt"

	"natforward/internal/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("port mapping not found")

// MappingStore is the persistent table of port mappings.
type MappingStore interface {
	FindByService(ctx context.Context, serviceID uint) (*models.PortMapping, error)
	FindByID(ctx context.Context, id uint) (*models.PortMapping, error)
	FindByPortRange(ctx context.Context, start, end int) ([]models.PortMapping, error)
	List(ctx context.Context) ([]models.PortMapping, error)
	Count(ctx context.Context) (int64, error)
	Insert(ctx context.Context, m *models.PortMapping) error
	SetRemoteRuleID(ctx context.Context, id uint, ruleID string) error
	DeleteByService(ctx context.Context, serviceID uint) error
	DeleteByIDs(ctx context.Context, ids []uint) (int64, error)

	// Atomic runs fn inside a single transaction; fn must only use the
	// store it is handed.
	Atomic(ctx context.Context, fn func(MappingStore) error) error
}

// GormStore implements MappingStore on a gorm database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindByService(ctx context.Context, serviceID uint) (*models.PortMapping, error) {
	var m models.PortMapping
	err := s.db.WithContext(ctx).Where("service_id = ?", serviceID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormStore) FindByID(ctx context.Context, id uint) (*models.PortMapping, error) {
	var m models.PortMapping
	err := s.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindByPortRange returns mappings whose public port lies in [start, end].
func (s *GormStore) FindByPortRange(ctx context.Context, start, end int) ([]models.PortMapping, error) {
	var mappings []models.PortMapping
	err := s.db.WithContext(ctx).
		Where("src_port BETWEEN ? AND ?", start, end).
		Order("src_port").
		Find(&mappings).Error
	return mappings, err
}

func (s *GormStore) List(ctx context.Context) ([]models.PortMapping, error) {
	var mappings []models.PortMapping
	err := s.db.WithContext(ctx).Order("created_at desc, id desc").Find(&mappings).Error
	return mappings, err
}

func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PortMapping{}).Count(&n).Error
	return n, err
}

func (s *GormStore) Insert(ctx context.Context, m *models.PortMapping) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("insert mapping for service %d: %w", m.ServiceID, err)
	}
	return nil
}

func (s *GormStore) SetRemoteRuleID(ctx context.Context, id uint, ruleID string) error {
	res := s.db.WithContext(ctx).Model(&models.PortMapping{}).Where("id = ?", id).Update("remote_rule_id", ruleID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteByService(ctx context.Context, serviceID uint) error {
	return s.db.WithContext(ctx).Where("service_id = ?", serviceID).Delete(&models.PortMapping{}).Error
}

func (s *GormStore) DeleteByIDs(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.PortMapping{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) Atomic(ctx context.Context, fn func(MappingStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}
