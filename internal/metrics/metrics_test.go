package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(DetectionsTotal.WithLabelValues("candidate"))
	DetectionsTotal.WithLabelValues("candidate").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DetectionsTotal.WithLabelValues("candidate")))

	EscalationAttemptsTotal.WithLabelValues("calling", "answered").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(EscalationAttemptsTotal.WithLabelValues("calling", "answered")), 1.0)

	PendingRuns.Set(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(PendingRuns))
	PendingRuns.Set(0)
}
