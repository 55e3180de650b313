package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObserveSync("SYNCED", 20*time.Millisecond)
		IncCalendarRetry()
		ObserveBulkItem("failed")
		SetQueueDepth(3)
	})
}

func TestCalendarOpCounter(t *testing.T) {
	before := testutil.ToFloat64(calendarOps.WithLabelValues("create", "ok"))
	ObserveCalendarOp("create", "ok")
	ObserveCalendarOp("create", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(calendarOps.WithLabelValues("create", "ok")))
}
