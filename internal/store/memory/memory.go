// internal/store/memory/memory.go

// Package memory is an in-process store for tests, local runs and the chaos
// experiments. Transactions are serialized by one store-wide mutex and run
// against a copy of the state that replaces the original only on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/store"
)

type state struct {
	titles   map[uuid.UUID]catalog.Title
	isbns    map[string]uuid.UUID
	loans    map[uuid.UUID]circulation.Loan
	entries  map[uuid.UUID]circulation.QueueEntry
	fines    map[uuid.UUID]circulation.Fine
	triggers map[uuid.UUID]circulation.PromotionTrigger
	events   []circulation.Event
	seq      int64
}

func newState() *state {
	return &state{
		titles:   make(map[uuid.UUID]catalog.Title),
		isbns:    make(map[string]uuid.UUID),
		loans:    make(map[uuid.UUID]circulation.Loan),
		entries:  make(map[uuid.UUID]circulation.QueueEntry),
		fines:    make(map[uuid.UUID]circulation.Fine),
		triggers: make(map[uuid.UUID]circulation.PromotionTrigger),
	}
}

func (s *state) clone() *state {
	return &state{
		titles:   maps.Clone(s.titles),
		isbns:    maps.Clone(s.isbns),
		loans:    maps.Clone(s.loans),
		entries:  maps.Clone(s.entries),
		fines:    maps.Clone(s.fines),
		triggers: maps.Clone(s.triggers),
		events:   slices.Clone(s.events),
		seq:      s.seq,
	}
}

// Store implements circulation.Store and catalog.Repository in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

var (
	_ circulation.Store  = (*Store)(nil)
	_ catalog.Repository = (*Store)(nil)
)

// run executes fn against a copy of the state and commits it when fn
// succeeds.
func (s *Store) run(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *Store) WithinTitle(ctx context.Context, titleID uuid.UUID, fn func(ctx context.Context, tx circulation.Tx, title *catalog.Title) error) error {
	return s.run(ctx, func(st *state) error {
		title, ok := st.titles[titleID]
		if !ok {
			return store.ErrNotFound
		}
		return fn(ctx, &tx{st: st}, &title)
	})
}

func (s *Store) Within(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	return s.run(ctx, func(st *state) error {
		return fn(ctx, &tx{st: st})
	})
}

func (s *Store) InsertTitle(ctx context.Context, title *catalog.Title) error {
	return s.run(ctx, func(st *state) error {
		if _, ok := st.isbns[title.ISBN]; ok {
			return fmt.Errorf("isbn %s: %w", title.ISBN, store.ErrDuplicate)
		}
		if _, ok := st.titles[title.ID]; ok {
			return store.ErrDuplicate
		}
		st.titles[title.ID] = *title
		st.isbns[title.ISBN] = title.ID
		return nil
	})
}

func (s *Store) GetTitle(_ context.Context, id uuid.UUID) (*catalog.Title, error) {
	var (
		title catalog.Title
		ok    bool
	)
	s.read(func(st *state) { title, ok = st.titles[id] })
	if !ok {
		return nil, store.ErrNotFound
	}
	return &title, nil
}

func (s *Store) UpdateTitle(ctx context.Context, id uuid.UUID, fn func(t *catalog.Title) error) (*catalog.Title, error) {
	var updated catalog.Title
	err := s.run(ctx, func(st *state) error {
		title, ok := st.titles[id]
		if !ok {
			return store.ErrNotFound
		}
		if err := fn(&title); err != nil {
			return err
		}
		st.titles[id] = title
		updated = title
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Titles returns a snapshot of every title, for consistency probes.
func (s *Store) Titles() []catalog.Title {
	var titles []catalog.Title
	s.read(func(st *state) { titles = slices.Collect(maps.Values(st.titles)) })
	return titles
}

// QueueEntries returns a snapshot of every queue entry of a title.
func (s *Store) QueueEntries(titleID uuid.UUID) []circulation.QueueEntry {
	var entries []circulation.QueueEntry
	s.read(func(st *state) {
		for _, e := range st.entries {
			if e.TitleID == titleID {
				entries = append(entries, e)
			}
		}
	})
	slices.SortFunc(entries, compareEntries)
	return entries
}

// InconsistentTitles counts titles whose available copies exceed the total.
func (s *Store) InconsistentTitles(context.Context) (int, error) {
	var n int
	s.read(func(st *state) {
		for _, t := range st.titles {
			if t.AvailableCopies > t.TotalCopies {
				n++
			}
		}
	})
	return n, nil
}

// Reservations counts the RESERVED entries of a title.
func (s *Store) Reservations(_ context.Context, titleID uuid.UUID) (int, error) {
	return s.reservations()[titleID], nil
}

// OverAllocatedTitles counts titles whose pool, holds and open loans add up
// to more copies than they own.
func (s *Store) OverAllocatedTitles(context.Context) (int, error) {
	var n int
	s.read(func(st *state) {
		committed := make(map[uuid.UUID]uint)
		for _, e := range st.entries {
			if e.Status == circulation.StatusReserved {
				committed[e.TitleID]++
			}
		}
		for _, l := range st.loans {
			if !l.IsReturned {
				committed[l.TitleID]++
			}
		}
		for _, t := range st.titles {
			if t.AvailableCopies+committed[t.ID] > t.TotalCopies {
				n++
			}
		}
	})
	return n, nil
}

func (s *Store) reservations() map[uuid.UUID]int {
	counts := make(map[uuid.UUID]int)
	s.read(func(st *state) {
		for _, e := range st.entries {
			if e.Status == circulation.StatusReserved {
				counts[e.TitleID]++
			}
		}
	})
	return counts
}

func (s *Store) GetLoan(_ context.Context, id uuid.UUID) (*circulation.Loan, error) {
	var (
		loan circulation.Loan
		ok   bool
	)
	s.read(func(st *state) { loan, ok = st.loans[id] })
	if !ok {
		return nil, store.ErrNotFound
	}
	return &loan, nil
}

func (s *Store) GetQueueEntry(_ context.Context, id uuid.UUID) (*circulation.QueueEntry, error) {
	var (
		entry circulation.QueueEntry
		ok    bool
	)
	s.read(func(st *state) { entry, ok = st.entries[id] })
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (s *Store) GetFine(_ context.Context, id uuid.UUID) (*circulation.Fine, error) {
	var (
		fine circulation.Fine
		ok   bool
	)
	s.read(func(st *state) { fine, ok = st.fines[id] })
	if !ok {
		return nil, store.ErrNotFound
	}
	return &fine, nil
}

// FineByLoan returns the fine attached to a loan.
func (s *Store) FineByLoan(loanID uuid.UUID) (*circulation.Fine, error) {
	var found *circulation.Fine
	s.read(func(st *state) { found = st.fineByLoan(loanID) })
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) ListLoans(_ context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	return s.loansWhere(func(l circulation.Loan) bool {
		if filter.UserID != nil && l.UserID != *filter.UserID {
			return false
		}
		return !filter.OpenOnly || !l.IsReturned
	}), nil
}

func (s *Store) ListOverdueLoans(_ context.Context, dueBefore time.Time) ([]circulation.Loan, error) {
	return s.loansWhere(func(l circulation.Loan) bool {
		return !l.IsReturned && l.DueDate.Before(dueBefore)
	}), nil
}

func (s *Store) ListLoansDueBetween(_ context.Context, from, to time.Time) ([]circulation.Loan, error) {
	return s.loansWhere(func(l circulation.Loan) bool {
		return !l.IsReturned && !l.DueDate.Before(from) && l.DueDate.Before(to)
	}), nil
}

func (s *Store) ListUnpromotedReturns(context.Context) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	s.read(func(st *state) {
		for _, l := range st.loans {
			if _, handled := st.triggers[l.ID]; l.IsReturned && !handled {
				loans = append(loans, l)
			}
		}
	})
	slices.SortFunc(loans, func(a, b circulation.Loan) int {
		return a.LoanDate.Compare(b.LoanDate)
	})
	return loans, nil
}

func (s *Store) ListFines(_ context.Context, status circulation.FineStatus) ([]circulation.Fine, error) {
	var fines []circulation.Fine
	s.read(func(st *state) {
		for _, f := range st.fines {
			if status == "" || f.Status == status {
				fines = append(fines, f)
			}
		}
	})
	slices.SortFunc(fines, func(a, b circulation.Fine) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return fines, nil
}

func (s *Store) loansWhere(keep func(circulation.Loan) bool) []circulation.Loan {
	var loans []circulation.Loan
	s.read(func(st *state) {
		for _, l := range st.loans {
			if keep(l) {
				loans = append(loans, l)
			}
		}
	})
	slices.SortFunc(loans, func(a, b circulation.Loan) int {
		return a.LoanDate.Compare(b.LoanDate)
	})
	return loans
}

func (s *Store) ListQueueByUser(_ context.Context, userID uuid.UUID) ([]circulation.QueuePosition, error) {
	var positions []circulation.QueuePosition
	s.read(func(st *state) {
		for _, e := range st.entries {
			if e.UserID != userID || e.Status != circulation.StatusActive {
				continue
			}
			position := 1
			for _, other := range st.entries {
				if other.TitleID == e.TitleID && other.Status == circulation.StatusActive && other.Before(&e) {
					position++
				}
			}
			positions = append(positions, circulation.QueuePosition{QueueEntry: e, Position: position})
		}
	})
	slices.SortFunc(positions, func(a, b circulation.QueuePosition) int {
		return compareEntries(a.QueueEntry, b.QueueEntry)
	})
	return positions, nil
}

func (s *Store) ListExpiredReservations(_ context.Context, now time.Time) ([]circulation.QueueEntry, error) {
	var entries []circulation.QueueEntry
	s.read(func(st *state) {
		for _, e := range st.entries {
			if e.HoldLapsed(now) {
				entries = append(entries, e)
			}
		}
	})
	slices.SortFunc(entries, compareEntries)
	return entries, nil
}

func (s *Store) LoadEvents(_ context.Context, aggregateID uuid.UUID) ([]circulation.Event, error) {
	var events []circulation.Event
	s.read(func(st *state) {
		for _, e := range st.events {
			if e.AggregateID == aggregateID {
				events = append(events, e)
			}
		}
	})
	return events, nil
}

func compareEntries(a, b circulation.QueueEntry) int {
	switch {
	case a.Before(&b):
		return -1
	case b.Before(&a):
		return 1
	}
	return 0
}

func (st *state) fineByLoan(loanID uuid.UUID) *circulation.Fine {
	for _, f := range st.fines {
		if f.LoanID == loanID {
			return &f
		}
	}
	return nil
}

// tx mutates the working copy of one transaction.
type tx struct {
	st *state
}

func (t *tx) SaveTitle(_ context.Context, title *catalog.Title) error {
	if _, ok := t.st.titles[title.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.titles[title.ID] = *title
	return nil
}

func (t *tx) InsertLoan(_ context.Context, loan *circulation.Loan) error {
	if _, ok := t.st.loans[loan.ID]; ok {
		return store.ErrDuplicate
	}
	t.st.loans[loan.ID] = *loan
	return nil
}

func (t *tx) LockLoan(_ context.Context, id uuid.UUID) (*circulation.Loan, error) {
	loan, ok := t.st.loans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &loan, nil
}

func (t *tx) UpdateLoan(_ context.Context, loan *circulation.Loan) error {
	if _, ok := t.st.loans[loan.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.loans[loan.ID] = *loan
	return nil
}

func (t *tx) HasOpenLoan(_ context.Context, titleID, userID uuid.UUID) (bool, error) {
	for _, l := range t.st.loans {
		if l.TitleID == titleID && l.UserID == userID && !l.IsReturned {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) FindQueueEntry(_ context.Context, titleID, userID uuid.UUID) (*circulation.QueueEntry, error) {
	for _, e := range t.st.entries {
		if e.TitleID == titleID && e.UserID == userID {
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) LockQueueEntry(_ context.Context, id uuid.UUID) (*circulation.QueueEntry, error) {
	entry, ok := t.st.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (t *tx) NextActiveEntry(_ context.Context, titleID uuid.UUID) (*circulation.QueueEntry, error) {
	var next *circulation.QueueEntry
	for _, e := range t.st.entries {
		if e.TitleID != titleID || e.Status != circulation.StatusActive {
			continue
		}
		if next == nil || e.Before(next) {
			next = &e
		}
	}
	if next == nil {
		return nil, store.ErrNotFound
	}
	return next, nil
}

func (t *tx) HasActiveEntries(ctx context.Context, titleID uuid.UUID) (bool, error) {
	_, err := t.NextActiveEntry(ctx, titleID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *tx) InsertQueueEntry(_ context.Context, entry *circulation.QueueEntry) error {
	for _, e := range t.st.entries {
		if e.TitleID == entry.TitleID && e.UserID == entry.UserID {
			return store.ErrDuplicate
		}
	}
	t.st.seq++
	entry.Seq = t.st.seq
	t.st.entries[entry.ID] = *entry
	return nil
}

func (t *tx) UpdateQueueEntry(_ context.Context, entry *circulation.QueueEntry) error {
	if _, ok := t.st.entries[entry.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.entries[entry.ID] = *entry
	return nil
}

func (t *tx) GetOrCreateFine(_ context.Context, fine *circulation.Fine) (*circulation.Fine, bool, error) {
	if existing := t.st.fineByLoan(fine.LoanID); existing != nil {
		return existing, false, nil
	}
	t.st.fines[fine.ID] = *fine
	created := *fine
	return &created, true, nil
}

func (t *tx) LockFine(_ context.Context, id uuid.UUID) (*circulation.Fine, error) {
	fine, ok := t.st.fines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &fine, nil
}

func (t *tx) UpdateFine(_ context.Context, fine *circulation.Fine) error {
	if _, ok := t.st.fines[fine.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.fines[fine.ID] = *fine
	return nil
}

func (t *tx) TriggerHandled(_ context.Context, triggerID uuid.UUID) (bool, error) {
	_, ok := t.st.triggers[triggerID]
	return ok, nil
}

func (t *tx) RecordTrigger(_ context.Context, trigger circulation.PromotionTrigger) error {
	if _, ok := t.st.triggers[trigger.ID]; ok {
		return store.ErrDuplicate
	}
	t.st.triggers[trigger.ID] = trigger
	return nil
}

func (t *tx) AppendEvent(_ context.Context, event circulation.Event) error {
	event.ID = int64(len(t.st.events) + 1)
	t.st.events = append(t.st.events, event)
	return nil
}
