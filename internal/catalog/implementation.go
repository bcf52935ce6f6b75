// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTitle = errors.New("isbn and name are required")
	ErrNoCopies     = errors.New("a title needs at least one copy")
)

// service implements the Service interface.
type service struct {
	repo        Repository
	invalidator Invalidator
	logger      *slog.Logger
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, invalidator Invalidator, logger *slog.Logger) Service {
	return &service{
		repo:        repo,
		invalidator: invalidator,
		logger:      logger,
	}
}

// AddTitle creates a new title with every copy available.
func (s *service) AddTitle(ctx context.Context, isbn, name, author string, totalCopies uint) (*Title, error) {
	isbn, name = strings.TrimSpace(isbn), strings.TrimSpace(name)
	if isbn == "" || name == "" {
		return nil, ErrInvalidTitle
	}
	if totalCopies == 0 {
		return nil, ErrNoCopies
	}

	now := time.Now().UTC()
	title := &Title{
		ID:              uuid.New(),
		ISBN:            isbn,
		Name:            name,
		Author:          strings.TrimSpace(author),
		TotalCopies:     totalCopies,
		AvailableCopies: totalCopies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertTitle(ctx, title); err != nil {
		return nil, fmt.Errorf("failed to insert title: %w", err)
	}
	return title, nil
}

// GetTitle retrieves a title by its ID.
func (s *service) GetTitle(ctx context.Context, id uuid.UUID) (*Title, error) {
	title, err := s.repo.GetTitle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get title %s: %w", id, err)
	}
	return title, nil
}

// SetTotalCopies changes the stock of a title under the title lock.
func (s *service) SetTotalCopies(ctx context.Context, id uuid.UUID, totalCopies uint) (*Title, error) {
	if totalCopies == 0 {
		return nil, ErrNoCopies
	}

	title, err := s.repo.UpdateTitle(ctx, id, func(t *Title) error {
		t.Resize(totalCopies)
		t.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update title %s: %w", id, err)
	}

	if err := s.invalidator.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed", "title_id", id, "err", err)
	}
	return title, nil
}
