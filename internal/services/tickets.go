package services

import (
	"context"

	"natforward/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// TicketStore opens support tickets in the local database.
type TicketStore struct {
	db       *gorm.DB
	registry *Registry
	log      zerolog.Logger
}

func NewTicketStore(db *gorm.DB, registry *Registry, log zerolog.Logger) *TicketStore {
	return &TicketStore{db: db, registry: registry, log: log}
}

func (s *TicketStore) CreateTicket(ctx context.Context, serviceID uint, subject, body string) (*models.Ticket, error) {
	t := &models.Ticket{
		Number:    uuid.NewString(),
		ServiceID: serviceID,
		Subject:   subject,
		Body:      body,
		Status:    "Open",
	}
	if svc, err := s.registry.GetService(ctx, serviceID); err == nil {
		t.OwnerID = svc.OwnerID
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	s.log.Info().Str("ticket", t.Number).Uint("service_id", serviceID).Msg("Ticket opened")
	return t, nil
}

// OpenTickets lists tickets that have not been closed, newest first.
func (s *TicketStore) OpenTickets(ctx context.Context) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.WithContext(ctx).Where("status = ?", "Open").Order("id desc").Find(&tickets).Error
	return tickets, err
}
