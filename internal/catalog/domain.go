// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Title is a catalog work together with its copy ledger.
type Title struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ISBN            string    `json:"isbn" db:"isbn"`
	Name            string    `json:"name" db:"name"`
	Author          string    `json:"author" db:"author"`
	TotalCopies     uint      `json:"total_copies" db:"total_copies"`
	AvailableCopies uint      `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Available reports whether a copy can be borrowed without a reservation.
func (t *Title) Available() bool {
	return t.AvailableCopies > 0
}

// TakeCopy removes one copy from the general pool.
func (t *Title) TakeCopy() bool {
	if t.AvailableCopies == 0 {
		return false
	}
	t.AvailableCopies--
	return true
}

// Hold keeps the freed copy out of the pool for a reservation.
func (t *Title) Hold() {
	t.AvailableCopies = 0
}

// Release puts one freed copy back into the general pool. An exhausted title
// collapses to a single available copy; otherwise the count grows by one,
// never beyond the total.
func (t *Title) Release() {
	switch {
	case t.AvailableCopies == 0:
		t.AvailableCopies = 1
	case t.AvailableCopies < t.TotalCopies:
		t.AvailableCopies++
	}
	if t.AvailableCopies > t.TotalCopies {
		t.AvailableCopies = t.TotalCopies
	}
}

// Resize changes the total number of copies, shifting availability by the
// same delta and clamping it to the new bounds.
func (t *Title) Resize(total uint) {
	available := int64(t.AvailableCopies) + int64(total) - int64(t.TotalCopies)
	if available < 0 {
		available = 0
	}
	if available > int64(total) {
		available = int64(total)
	}
	t.TotalCopies = total
	t.AvailableCopies = uint(available)
}
