package subscriptions

import (
	"testing"
	"time"

	"journal-billing/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	t.Run("no subscription starts now", func(t *testing.T) {
		w := ComputeWindow(nil, 30, now)
		assert.Equal(t, now, w.Start)
		assert.Equal(t, now.AddDate(0, 0, 30), w.End)
		assert.Nil(t, w.PreviousEnd)
		assert.False(t, w.Accumulated)
	})

	t.Run("unexpired active subscription accumulates", func(t *testing.T) {
		start := now.Add(-25 * day)
		end := now.Add(5 * day)
		existing := &models.Subscription{Status: models.SubscriptionStatusActive, StartDate: start, EndDate: end}

		w := ComputeWindow(existing, 30, now)
		assert.Equal(t, start, w.Start)
		assert.Equal(t, now.Add(35*day), w.End)
		require.NotNil(t, w.PreviousEnd)
		assert.Equal(t, end, *w.PreviousEnd)
		assert.True(t, w.Accumulated)
	})

	t.Run("expired subscription resets", func(t *testing.T) {
		end := now.Add(-10 * day)
		existing := &models.Subscription{Status: models.SubscriptionStatusActive, StartDate: end.Add(-30 * day), EndDate: end}

		w := ComputeWindow(existing, 30, now)
		assert.Equal(t, now, w.Start)
		assert.Equal(t, now.Add(30*day), w.End)
		require.NotNil(t, w.PreviousEnd)
		assert.Equal(t, end, *w.PreviousEnd)
		assert.False(t, w.Accumulated)
	})

	t.Run("cancelled subscription resets even if end is ahead", func(t *testing.T) {
		existing := &models.Subscription{Status: models.SubscriptionStatusCancelled, EndDate: now.Add(3 * day)}
		w := ComputeWindow(existing, 30, now)
		assert.Equal(t, now, w.Start)
		assert.False(t, w.Accumulated)
	})

	t.Run("end exactly now is expired", func(t *testing.T) {
		existing := &models.Subscription{Status: models.SubscriptionStatusActive, EndDate: now}
		w := ComputeWindow(existing, 30, now)
		assert.False(t, w.Accumulated)
	})
}
