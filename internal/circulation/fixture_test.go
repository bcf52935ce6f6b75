package circulation_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/membership"
	"github.com/libranexus/circulation/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []circulation.Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, notification circulation.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) ofType(kind string) []circulation.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []circulation.Notification
	for _, s := range n.sent {
		if s.Type == kind {
			out = append(out, s)
		}
	}
	return out
}

type recordingInvalidator struct {
	mu     sync.Mutex
	titles []uuid.UUID
}

func (i *recordingInvalidator) Invalidate(_ context.Context, titleID uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.titles = append(i.titles, titleID)
	return nil
}

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	service  circulation.Service
	catalog  catalog.Service
	notifier *recordingNotifier
	cache    *recordingInvalidator
	clock    *fakeClock
	policy   config.Policy
}

const day = 24 * time.Hour

var start = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, adjust ...func(*config.Policy)) *fixture {
	t.Helper()
	policy := config.DefaultPolicy()
	for _, fn := range adjust {
		fn(&policy)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ctx:      context.Background(),
		store:    memory.New(),
		notifier: &recordingNotifier{},
		cache:    &recordingInvalidator{},
		clock:    &fakeClock{now: start},
		policy:   policy,
	}
	f.service = circulation.NewService(f.store, config.StaticPolicy(policy), f.notifier, f.cache, logger,
		circulation.WithClock(f.clock.Now))
	f.catalog = catalog.NewService(f.store, f.cache, logger)
	return f
}

// serviceOver builds another service on st that shares the fixture's clock,
// policy and collaborators.
func (f *fixture) serviceOver(st circulation.Store, options ...circulation.Option) circulation.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	options = append([]circulation.Option{circulation.WithClock(f.clock.Now)}, options...)
	return circulation.NewService(st, config.StaticPolicy(f.policy), f.notifier, f.cache, logger, options...)
}

var isbnSeq int

func (f *fixture) title(t *testing.T, copies uint) *catalog.Title {
	t.Helper()
	isbnSeq++
	title, err := f.catalog.AddTitle(f.ctx, fmt.Sprintf("978%010d", isbnSeq), "The Left Hand of Darkness", "Ursula K. Le Guin", copies)
	require.NoError(t, err)
	return title
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *catalog.Title {
	t.Helper()
	title, err := f.catalog.GetTitle(f.ctx, id)
	require.NoError(t, err)
	return title
}

func (f *fixture) borrow(t *testing.T, who membership.Identity, titleID uuid.UUID) *circulation.Loan {
	t.Helper()
	loan, err := f.service.Borrow(f.ctx, who, titleID)
	require.NoError(t, err)
	return loan
}

func (f *fixture) join(t *testing.T, who membership.Identity, titleID uuid.UUID) *circulation.QueueEntry {
	t.Helper()
	entry, err := f.service.JoinQueue(f.ctx, who, titleID)
	require.NoError(t, err)
	return entry
}

func (f *fixture) entry(t *testing.T, id uuid.UUID) *circulation.QueueEntry {
	t.Helper()
	entry, err := f.store.GetQueueEntry(f.ctx, id)
	require.NoError(t, err)
	return entry
}

// exhausted returns a one-copy title that is out on loan, and the loan.
func (f *fixture) exhausted(t *testing.T) (*catalog.Title, *circulation.Loan, membership.Identity) {
	t.Helper()
	title := f.title(t, 1)
	holder := newMember()
	loan := f.borrow(t, holder, title.ID)
	return title, loan, holder
}

func newMember() membership.Identity {
	return membership.Identity{UserID: uuid.New(), Role: membership.RoleMember}
}

func newLibrarian() membership.Identity {
	return membership.Identity{UserID: uuid.New(), Role: membership.RoleLibrarian}
}
