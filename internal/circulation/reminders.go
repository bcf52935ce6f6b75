// internal/circulation/reminders.go
package circulation

import (
	"context"
	"fmt"
)

// SendDueDateReminders notifies every borrower whose loan is due tomorrow.
// It returns the number of reminders delivered.
func (s *service) SendDueDateReminders(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.SendDueDateReminders")
	defer span.End()

	tomorrow := startOfDay(s.clock()).Add(day)
	loans, err := s.store.ListLoansDueBetween(ctx, tomorrow, tomorrow.Add(day))
	if err != nil {
		return 0, fmt.Errorf("failed to list loans due tomorrow: %w", err)
	}

	sent := 0
	for _, loan := range loans {
		if loan.IsReturned {
			continue
		}
		if s.notify(ctx, Notification{
			Type:   NotifyDueDateReminder,
			UserID: loan.UserID,
			Context: map[string]any{
				"loan_id":  loan.ID.String(),
				"title_id": loan.TitleID.String(),
				"due_date": loan.DueDate.Format("Monday, January 02, 2006"),
			},
		}) {
			sent++
		}
	}

	s.logger.InfoContext(ctx, "due date reminders sent", "sent", sent, "due", len(loans))
	return sent, nil
}
