package services

import (
	"context"
	"errors"
	"fmt"

	"natforward/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry serves service and server records.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) GetService(ctx context.Context, serviceID uint) (*models.Service, error) {
	var svc models.Service
	err := r.db.WithContext(ctx).First(&svc, serviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("service %d: %w", serviceID, models.ErrServiceNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// UpsertService records the latest known state of a service.
func (r *Registry) UpsertService(ctx context.Context, svc *models.Service) error {
	if svc.ID == 0 {
		return errors.New("service id is required")
	}
	if svc.Status == "" {
		svc.Status = models.ServicePending
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"server_id", "status", "domain", "owner_id", "owner_email", "updated_at"}),
	}).Create(svc).Error
}

// EnsureService records a freshly provisioned service as Active. A known
// service keeps its status unless it is still Pending; a missing server id
// is filled in.
func (r *Registry) EnsureService(ctx context.Context, serviceID, serverID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var svc models.Service
		err := tx.First(&svc, serviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.Service{ID: serviceID, ServerID: serverID, Status: models.ServiceActive}).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{}
		if svc.Status == models.ServicePending || svc.Status == "" {
			updates["status"] = models.ServiceActive
		}
		if svc.ServerID == 0 && serverID != 0 {
			updates["server_id"] = serverID
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&svc).Updates(updates).Error
	})
}

// SetServiceStatus records a lifecycle transition, creating the service row
// when it is unknown.
func (r *Registry) SetServiceStatus(ctx context.Context, serviceID uint, status models.ServiceStatus) error {
	svc := &models.Service{ID: serviceID, Status: status}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(svc).Error
}

func (r *Registry) GetServer(ctx context.Context, serverID uint) (*models.Server, error) {
	var server models.Server
	err := r.db.WithContext(ctx).First(&server, serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("server %d: %w", serverID, models.ErrServerNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (r *Registry) ListServers(ctx context.Context) ([]models.Server, error) {
	var servers []models.Server
	err := r.db.WithContext(ctx).Order("id").Find(&servers).Error
	return servers, err
}

func (r *Registry) CreateServer(ctx context.Context, server *models.Server) error {
	return r.db.WithContext(ctx).Create(server).Error
}
