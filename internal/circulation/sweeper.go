// internal/circulation/sweeper.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/libranexus/circulation/internal/catalog"
)

// RunExpirySweep expires every reservation whose hold window has passed and
// promotes the copy it held. Each entry is handled in its own transaction so
// one failure never rolls back the others. It then promotes returned copies
// whose promotion never ran. It returns the number of entries expired.
func (s *service) RunExpirySweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.RunExpirySweep")
	defer span.End()

	now := s.clock()
	candidates, err := s.store.ListExpiredReservations(ctx, now)
	if err != nil {
		err = fmt.Errorf("failed to list expired reservations: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	policy, err := s.policy(ctx)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		var (
			lapsed   bool
			promoted *PromotionResult
		)
		err := s.store.WithinTitle(ctx, candidate.TitleID, func(ctx context.Context, tx Tx, title *catalog.Title) error {
			entry, err := tx.LockQueueEntry(ctx, candidate.ID)
			if err != nil {
				return fmt.Errorf("failed to lock queue entry: %w", err)
			}
			// Borrowed or already expired since the listing.
			if !entry.HoldLapsed(now) {
				return nil
			}

			entry.Expire()
			if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
				return fmt.Errorf("failed to expire queue entry: %w", err)
			}
			if err := s.journal(ctx, tx, entry.TitleID, EventReservationExpired, now, QueueEntryEvent{
				EntryID: entry.ID, UserID: entry.UserID, Status: entry.Status,
			}); err != nil {
				return err
			}
			lapsed = true

			promoted, err = s.promoteLocked(ctx, tx, title, entry.ID, policy, now)
			return err
		})
		if err != nil {
			s.metrics.failures.Add(ctx, 1, jobAttr("expiry_sweep"))
			s.logger.ErrorContext(ctx, "failed to expire reservation",
				"entry_id", candidate.ID, "title_id", candidate.TitleID, "err", err)
			errs = append(errs, fmt.Errorf("entry %s: %w", candidate.ID, err))
			continue
		}
		if !lapsed {
			continue
		}

		expired++
		s.metrics.expirations.Add(ctx, 1)
		s.logger.InfoContext(ctx, "reservation expired", "entry_id", candidate.ID, "title_id", candidate.TitleID)
		if promoted != nil {
			s.afterPromotion(ctx, promoted)
		}
	}

	var repaired int
	if ctx.Err() == nil {
		var repairErrs []error
		repaired, repairErrs = s.promoteStrandedReturns(ctx)
		errs = append(errs, repairErrs...)
	}

	span.SetAttributes(
		attribute.Int("sweep.candidates", len(candidates)),
		attribute.Int("sweep.expired", expired),
		attribute.Int("sweep.repaired", repaired),
		attribute.Int("sweep.failed", len(errs)),
	)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.SetStatus(codes.Error, "some reservations could not be expired")
		return expired, err
	}
	return expired, nil
}

// promoteStrandedReturns runs the promotion of every returned loan whose
// dispatched promotion was lost, keyed by the loan id like Return does.
func (s *service) promoteStrandedReturns(ctx context.Context) (int, []error) {
	stranded, err := s.store.ListUnpromotedReturns(ctx)
	if err != nil {
		return 0, []error{fmt.Errorf("failed to list unpromoted returns: %w", err)}
	}

	var (
		repaired int
		errs     []error
	)
	for _, loan := range stranded {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result, err := s.Promote(ctx, loan.TitleID, loan.ID)
		if err != nil {
			s.metrics.failures.Add(ctx, 1, jobAttr("expiry_sweep"))
			s.logger.ErrorContext(ctx, "failed to promote returned copy",
				"loan_id", loan.ID, "title_id", loan.TitleID, "err", err)
			errs = append(errs, fmt.Errorf("loan %s: %w", loan.ID, err))
			continue
		}
		if result.Outcome != OutcomeSkipped {
			repaired++
			s.logger.WarnContext(ctx, "promoted returned copy missed by dispatch",
				"loan_id", loan.ID, "title_id", loan.TitleID, "outcome", result.Outcome)
		}
	}
	return repaired, errs
}
