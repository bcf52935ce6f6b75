// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddTitle(ctx context.Context, isbn, name, author string, totalCopies uint) (*Title, error)
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	SetTotalCopies(ctx context.Context, id uuid.UUID, totalCopies uint) (*Title, error)
}

// Repository is the storage the catalog service needs.
type Repository interface {
	InsertTitle(ctx context.Context, title *Title) error
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	// UpdateTitle locks the title row, applies fn and persists the result.
	UpdateTitle(ctx context.Context, id uuid.UUID, fn func(t *Title) error) (*Title, error)
}

// Invalidator drops cached read models of a title.
type Invalidator interface {
	Invalidate(ctx context.Context, titleID uuid.UUID) error
}
