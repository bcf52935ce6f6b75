package memory_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/store/memory"
	"github.com/libranexus/circulation/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) storetest.Backend {
		return memory.New()
	})
}

func TestCommittedStateIsIsolatedFromCallers(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	title := &catalog.Title{ID: uuid.New(), ISBN: "9780441013593", Name: "Dune", TotalCopies: 2, AvailableCopies: 2}
	require.NoError(t, s.InsertTitle(ctx, title))

	title.AvailableCopies = 0
	got, err := s.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	got.AvailableCopies = 0

	again, err := s.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(2), again.AvailableCopies)
}

func TestCanceledContextRunsNothing(t *testing.T) {
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.InsertTitle(ctx, &catalog.Title{ID: uuid.New(), ISBN: "9780441013593"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Titles())
}
