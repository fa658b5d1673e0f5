package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitMetricsIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		InitMetrics()
		InitMetrics()
	})
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(SubscriptionActivationsTotal.WithLabelValues("replay"))
	SubscriptionActivationsTotal.WithLabelValues("replay").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(SubscriptionActivationsTotal.WithLabelValues("replay")))
}
