// Package users maps external identities (JWT subjects) to the internal user
// ids that own orders and subscriptions.
package users

import (
	"context"
	"errors"
	"fmt"

	"journal-billing/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrUserNotFound = errors.New("user not found")

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Ensure returns the user for externalID, creating it on first contact.
// A non-empty email replaces the stored one.
func (s *Service) Ensure(ctx context.Context, externalID, email string) (*models.User, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: empty external id", ErrUserNotFound)
	}

	user := models.User{ID: uuid.NewString(), ExternalID: externalID, Email: email}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		Create(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	var stored models.User
	if err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if email != "" && stored.Email != email {
		if err := s.db.WithContext(ctx).Model(&stored).Update("email", email).Error; err != nil {
			return nil, fmt.Errorf("failed to update user email: %w", err)
		}
		stored.Email = email
	}
	return &stored, nil
}

// ResolveExternalID returns the internal id for externalID without creating
// anything.
func (s *Service) ResolveExternalID(ctx context.Context, externalID string) (string, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, externalID)
		}
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}
	return user.ID, nil
}

// Get loads a user by internal id.
func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}
