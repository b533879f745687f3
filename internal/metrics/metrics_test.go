package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	require.NotNil(t, collector)
	assert.NotNil(t, collector.requestsSubmitted)
	assert.NotNil(t, collector.jobsScheduled)
	assert.NotNil(t, collector.jobsRecovered)
	assert.NotNil(t, collector.checkpointsArchived)
	assert.NotNil(t, collector.queuePending)
	assert.NotNil(t, collector.vehiclesActive)
}

// TestRegistrationIsExclusive verifies a second collector on the same
// registry panics, which is why each gets its own.
func TestRegistrationIsExclusive(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCounters(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.RecordRequestSubmitted()
	collector.RecordRequestSubmitted()
	collector.RecordRequestApproved()
	collector.RecordJobScheduled()
	collector.RecordJobRecovered()
	collector.RecordDeparture()
	collector.RecordCheckpoint()
	collector.RecordCheckpoint()
	collector.RecordCheckpoint()

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.requestsSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.requestsApproved))
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.requestsRejected))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.jobsScheduled))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.jobsRecovered))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.vehicleDepartures))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.checkpointsArchived))
}

func TestUpdatePoolStats(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.UpdatePoolStats(3, 2, 5, 4)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.queuePending))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.jobsInProgress))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.vehiclesAvailable))
	assert.Equal(t, float64(4), testutil.ToFloat64(collector.vehiclesActive))

	// Gauges move both directions.
	collector.UpdatePoolStats(0, 0, 0, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.queuePending))
}
