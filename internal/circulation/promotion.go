// internal/circulation/promotion.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/config"
)

// Promote hands the copy freed by triggerID to the oldest ACTIVE entry of the
// title, or back to the pool when nobody is waiting. Running it twice for the
// same trigger is a no-op.
func (s *service) Promote(ctx context.Context, titleID, triggerID uuid.UUID) (*PromotionResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.Promote", trace.WithAttributes(
		attribute.String("title.id", titleID.String()),
		attribute.String("trigger.id", triggerID.String()),
	))
	defer span.End()

	policy, err := s.policy(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	now := s.clock()

	var result *PromotionResult
	err = s.store.WithinTitle(ctx, titleID, func(ctx context.Context, tx Tx, title *catalog.Title) error {
		result, err = s.promoteLocked(ctx, tx, title, triggerID, policy, now)
		return err
	})
	if err != nil {
		err = titleErr(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("promotion.outcome", string(result.Outcome)))
	s.afterPromotion(ctx, result)
	return result, nil
}

// promoteLocked runs the promotion inside a transaction that already holds
// the title lock.
func (s *service) promoteLocked(
	ctx context.Context,
	tx Tx,
	title *catalog.Title,
	triggerID uuid.UUID,
	policy config.Policy,
	now time.Time,
) (*PromotionResult, error) {
	result := &PromotionResult{TitleID: title.ID, Outcome: OutcomeSkipped}

	handled, err := tx.TriggerHandled(ctx, triggerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check promotion trigger: %w", err)
	}
	if handled {
		return result, nil
	}

	// Every freed copy goes to the next waiter while anyone is waiting, so
	// the pool only refills once the queue is empty.
	next, err := optional(tx.NextActiveEntry(ctx, title.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to select next queue entry: %w", err)
	}

	if next != nil {
		next.Reserve(now, policy.HoldWindow())
		if err := tx.UpdateQueueEntry(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to reserve queue entry: %w", err)
		}
		title.Hold()
		result.Outcome = OutcomeReserved
		result.Entry = next
		err = s.journal(ctx, tx, title.ID, EventReservationCreated, now, ReservationCreatedEvent{
			EntryID: next.ID, UserID: next.UserID, ExpiresAt: *next.ExpiresAt, TriggerID: triggerID,
		})
	} else {
		title.Release()
		result.Outcome = OutcomeReleased
		err = s.journal(ctx, tx, title.ID, EventCopyReleased, now, CopyReleasedEvent{
			TriggerID: triggerID, AvailableCopies: title.AvailableCopies,
		})
	}
	if err != nil {
		return nil, err
	}

	title.UpdatedAt = now
	if err := tx.SaveTitle(ctx, title); err != nil {
		return nil, fmt.Errorf("failed to update title copies: %w", err)
	}

	err = tx.RecordTrigger(ctx, PromotionTrigger{
		ID:        triggerID,
		TitleID:   title.ID,
		Outcome:   result.Outcome,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record promotion trigger: %w", err)
	}
	return result, nil
}

// afterPromotion runs the post-commit side effects of a promotion.
func (s *service) afterPromotion(ctx context.Context, result *PromotionResult) {
	if result.Outcome == OutcomeSkipped {
		return
	}
	s.metrics.promotions.Add(ctx, 1, outcomeAttr(result.Outcome))
	s.invalidate(ctx, result.TitleID)

	if result.Outcome != OutcomeReserved {
		s.logger.InfoContext(ctx, "copy released", "title_id", result.TitleID)
		return
	}
	s.logger.InfoContext(ctx, "reservation created",
		"title_id", result.TitleID, "entry_id", result.Entry.ID, "user_id", result.Entry.UserID)
	s.notify(ctx, Notification{
		Type:   NotifyReservationReady,
		UserID: result.Entry.UserID,
		Context: map[string]any{
			"title_id":   result.TitleID.String(),
			"entry_id":   result.Entry.ID.String(),
			"expires_at": result.Entry.ExpiresAt.Format(time.RFC3339),
		},
	})
}
