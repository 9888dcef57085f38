package ratelimit

import (
	"context"
	"time"
)

// EventCounter counts recorded generations for a user since a point in time.
type EventCounter interface {
	CountEventsSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// LedgerWindow counts recorded generation events. A request is only counted
// once its generation has been recorded, so in-flight requests do not
// consume window capacity.
type LedgerWindow struct {
	events EventCounter
}

func NewLedgerWindow(events EventCounter) *LedgerWindow {
	return &LedgerWindow{events: events}
}

func (w *LedgerWindow) Name() string { return "ledger" }

// Refund is a no-op: nothing is stored until the generation is recorded.
func (w *LedgerWindow) Refund(context.Context, string, string) error { return nil }

func (w *LedgerWindow) Hit(ctx context.Context, userID string, hourly, daily int64, now time.Time) (windowCounts, error) {
	var out windowCounts

	var err error
	if hourly >= 0 {
		if out.Hourly, err = w.events.CountEventsSince(ctx, userID, now.Add(-hourWindow)); err != nil {
			return windowCounts{}, err
		}
	}
	if daily >= 0 {
		if out.Daily, err = w.events.CountEventsSince(ctx, userID, now.Add(-dayWindow)); err != nil {
			return windowCounts{}, err
		}
	}

	hourFull := hourly >= 0 && out.Hourly >= hourly
	dayFull := daily >= 0 && out.Daily >= daily
	switch {
	case dayFull:
		// Without per-event timestamps the oldest event is unknown; the
		// window width is an upper bound.
		out.RetryAfter = dayWindow
	case hourFull:
		out.RetryAfter = hourWindow
	default:
		out.Admitted = true
	}
	return out, nil
}
