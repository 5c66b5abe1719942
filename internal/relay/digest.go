package relay

import (
	"context"
	"fmt"
	"time"
)

// DigestReport summarizes relay activity over a period.
type DigestReport struct {
	PeriodStart   time.Time
	PeriodEnd     time.Time
	ActiveDialogs int
	UserMessages  int64
}

// BuildDigest computes the report for the 24 hours before now. Returns nil
// when no end-user wrote in that period.
func BuildDigest(ctx context.Context, store *DialogStore, now time.Time) (*DigestReport, error) {
	since := now.Add(-24 * time.Hour)

	msgs, err := store.CountUserMessagesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("relay: digest: %w", err)
	}
	// Suppress when no activity.
	if msgs == 0 {
		return nil, nil
	}

	dialogs, err := store.ListActiveDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: digest: %w", err)
	}
	return &DigestReport{
		PeriodStart:   since,
		PeriodEnd:     now,
		ActiveDialogs: len(dialogs),
		UserMessages:  msgs,
	}, nil
}

// FormatDigest renders a report for the administrator.
func FormatDigest(r *DigestReport) string {
	return fmt.Sprintf("📊 *Сводка*\n\nАктивных диалогов: %d\nСообщений от пользователей за 24 ч: %d",
		r.ActiveDialogs, r.UserMessages)
}
