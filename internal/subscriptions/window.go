package subscriptions

import (
	"time"

	"journal-billing/internal/models"
)

// Window is the entitlement period produced by one activation.
type Window struct {
	Start       time.Time
	End         time.Time
	PreviousEnd *time.Time // nil when there was no earlier subscription
	Accumulated bool       // true when End extends an unexpired subscription
}

// ComputeWindow extends an active, unexpired subscription by days, or starts
// a fresh window at now. Days are calendar days (time.AddDate).
func ComputeWindow(existing *models.Subscription, days int, now time.Time) Window {
	if existing == nil {
		return Window{Start: now, End: now.AddDate(0, 0, days)}
	}

	prev := existing.EndDate
	if existing.IsActiveAt(now) {
		return Window{
			Start:       existing.StartDate,
			End:         existing.EndDate.AddDate(0, 0, days),
			PreviousEnd: &prev,
			Accumulated: true,
		}
	}
	return Window{Start: now, End: now.AddDate(0, 0, days), PreviousEnd: &prev}
}
