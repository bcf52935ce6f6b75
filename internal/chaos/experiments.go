// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/membership"
)

// Inspector reads consistency properties straight from storage.
type Inspector interface {
	InconsistentTitles(ctx context.Context) (int, error)
	Reservations(ctx context.Context, titleID uuid.UUID) (int, error)
	OverAllocatedTitles(ctx context.Context) (int, error)
}

// Clock is a manually advanced time source for the circulation service.
type Clock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Subject is the system under test. The circulation service must read its
// time from Clock.
type Subject struct {
	Circulation circulation.Service
	Catalog     catalog.Service
	Inspector   Inspector
	Clock       *Clock
	Hold        time.Duration
}

// Timing controls how long each experiment observes the system.
type Timing struct {
	Duration    time.Duration
	SampleEvery time.Duration
}

// ConsistencyProbes must hold at all times.
func ConsistencyProbes(inspector Inspector) []Probe {
	return []Probe{
		{
			Name:      "inconsistent_titles",
			Query:     countProbe(inspector.InconsistentTitles),
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "over_allocated_titles",
			Query:     countProbe(inspector.OverAllocatedTitles),
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

func countProbe(fn func(context.Context) (int, error)) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		n, err := fn(ctx)
		return float64(n), err
	}
}

func member() membership.Identity {
	return membership.Identity{UserID: uuid.New(), Role: membership.RoleMember}
}

func (s Subject) newTitle(ctx context.Context, name string) (*catalog.Title, error) {
	isbn := fmt.Sprintf("978%010d", uint64(uuid.New().ID())%10_000_000_000)
	title, err := s.Catalog.AddTitle(ctx, isbn, name, "Chaos Engine", 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create title: %w", err)
	}
	return title, nil
}

// BorrowRace has many members borrow the single copy of a title at once.
func BorrowRace(s Subject, borrowers int, timing Timing) Experiment {
	var (
		titleID uuid.UUID
		winners atomic.Int64
		losers  atomic.Int64
	)

	return Experiment{
		Name:        "Concurrent Borrow Race",
		Hypothesis:  fmt.Sprintf("Exactly one of %d concurrent borrows of a single copy succeeds", borrowers),
		SteadyState: ConsistencyProbes(s.Inspector),
		Probes: []Probe{
			{
				Name:      "borrow_winners",
				Query:     func(context.Context) (float64, error) { return float64(winners.Load()), nil },
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			{
				Name:      "borrow_rejections",
				Query:     func(context.Context) (float64, error) { return float64(losers.Load()), nil },
				Threshold: Threshold{Operator: "<=", Value: float64(borrowers - 1)},
			},
			{
				Name: "available_copies",
				Query: func(ctx context.Context) (float64, error) {
					title, err := s.Catalog.GetTitle(ctx, titleID)
					if err != nil {
						return 0, err
					}
					return float64(title.AvailableCopies), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{{
			Type:   "concurrent_borrow",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				title, err := s.newTitle(ctx, "Borrow Race")
				if err != nil {
					return err
				}
				titleID = title.ID

				var (
					wg       sync.WaitGroup
					mu       sync.Mutex
					failures []error
				)
				start := make(chan struct{})
				for range borrowers {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, err := s.Circulation.Borrow(ctx, member(), titleID)
						switch {
						case err == nil:
							winners.Add(1)
						case errors.Is(err, circulation.ErrNotAvailable):
							losers.Add(1)
						default:
							mu.Lock()
							failures = append(failures, err)
							mu.Unlock()
						}
					}()
				}
				close(start)
				wg.Wait()
				return errors.Join(failures...)
			},
		}},
		Validation: []Assertion{
			{
				Metric:    "borrow_winners",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "exactly one borrow must win the last copy",
			},
			{
				Metric:    "available_copies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "the title must have no copy left after the race",
			},
		},
		Duration:    timing.Duration,
		SampleEvery: timing.SampleEvery,
	}
}

// PromotionRace frees a copy, lets the hold of the first waiter lapse, then
// races duplicate promotions for the return against concurrent expiry
// sweeps. Only the second waiter may end up holding the copy.
func PromotionRace(s Subject, racers int, timing Timing) Experiment {
	var (
		titleID uuid.UUID
		second  uuid.UUID
	)

	return Experiment{
		Name:        "Return and Expiry Promotion Race",
		Hypothesis:  "Concurrent promotions and sweeps leave exactly one reservation, held by the next waiter",
		SteadyState: ConsistencyProbes(s.Inspector),
		Probes: []Probe{
			{
				Name: "title_reservations",
				Query: func(ctx context.Context) (float64, error) {
					n, err := s.Inspector.Reservations(ctx, titleID)
					return float64(n), err
				},
				Threshold: Threshold{Operator: "<=", Value: 1},
			},
			{
				Name: "second_waiter_reserved",
				Query: func(ctx context.Context) (float64, error) {
					holder, err := lastReservation(ctx, s.Circulation, titleID)
					if err != nil || holder != second {
						return 0, err
					}
					return 1, nil
				},
				Threshold: Threshold{Operator: ">=", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "setup_queue",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					title, err := s.newTitle(ctx, "Promotion Race")
					if err != nil {
						return err
					}
					titleID = title.ID

					holder := member()
					loan, err := s.Circulation.Borrow(ctx, holder, titleID)
					if err != nil {
						return fmt.Errorf("failed to borrow: %w", err)
					}
					waiters := []membership.Identity{member(), member(), member()}
					second = waiters[1].UserID
					for _, w := range waiters {
						if _, err := s.Circulation.JoinQueue(ctx, w, titleID); err != nil {
							return fmt.Errorf("failed to join queue: %w", err)
						}
					}
					if _, err := s.Circulation.Return(ctx, holder, loan.ID); err != nil {
						return fmt.Errorf("failed to return: %w", err)
					}
					if _, err := s.Circulation.Promote(ctx, titleID, loan.ID); err != nil {
						return fmt.Errorf("failed to promote: %w", err)
					}

					s.Clock.Advance(s.Hold + time.Minute)
					return race(ctx, racers, func(i int) error {
						if i%2 == 0 {
							_, err := s.Circulation.Promote(ctx, titleID, loan.ID)
							return err
						}
						_, err := s.Circulation.RunExpirySweep(ctx)
						return err
					})
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "title_reservations",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "the title must hold exactly one reservation",
			},
			{
				Metric:    "second_waiter_reserved",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "the reservation must pass to the second waiter",
			},
		},
		Duration:    timing.Duration,
		SampleEvery: timing.SampleEvery,
	}
}

// lastReservation returns the user of the most recent reservation journaled
// for a title.
func lastReservation(ctx context.Context, svc circulation.Service, titleID uuid.UUID) (uuid.UUID, error) {
	events, err := svc.TitleHistory(ctx, titleID)
	if err != nil {
		return uuid.Nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType != circulation.EventReservationCreated {
			continue
		}
		var created circulation.ReservationCreatedEvent
		if err := jsoniter.ConfigFastest.Unmarshal(events[i].EventData, &created); err != nil {
			return uuid.Nil, fmt.Errorf("failed to decode reservation: %w", err)
		}
		return created.UserID, nil
	}
	return uuid.Nil, nil
}

// race runs fn n times concurrently and joins the errors.
func race(ctx context.Context, n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ctx.Err() != nil {
				errs[i] = ctx.Err()
				return
			}
			errs[i] = fn(i)
		}()
	}
	close(start)
	wg.Wait()
	return errors.Join(errs...)
}

// Experiments returns the standard game day scenarios.
func Experiments(s Subject, timing Timing) []Experiment {
	return []Experiment{
		BorrowRace(s, 100, timing),
		PromotionRace(s, 20, timing),
	}
}
