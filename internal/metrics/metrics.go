// Package metrics exposes Prometheus instrumentation for the
// coordination core: request decisions, scheduling outcomes, checkpoint
// traffic and the live queue/pool sizes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector wraps every metric the core records. Construct one per
// process with the default registerer; tests pass their own registry.
type Collector struct {
	requestsSubmitted    prometheus.Counter
	requestsApproved     prometheus.Counter
	requestsRejected     prometheus.Counter
	jobsScheduled        prometheus.Counter
	jobsCompleted        prometheus.Counter
	jobsInterrupted      prometheus.Counter
	jobsRecovered        prometheus.Counter
	vehicleDepartures    prometheus.Counter
	checkpointsArchived  prometheus.Counter
	notificationsDropped prometheus.Counter

	queuePending      prometheus.Gauge
	jobsInProgress    prometheus.Gauge
	vehiclesAvailable prometheus.Gauge
	vehiclesActive    prometheus.Gauge
}

// NewCollector builds and registers the collector.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_requests_submitted_total",
			Help: "Total number of approval requests submitted",
		}),
		requestsApproved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_requests_approved_total",
			Help: "Total number of requests approved",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_requests_rejected_total",
			Help: "Total number of requests rejected",
		}),
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_jobs_scheduled_total",
			Help: "Total number of jobs assigned to vehicles",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_jobs_completed_total",
			Help: "Total number of jobs completed and archived",
		}),
		jobsInterrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_jobs_interrupted_total",
			Help: "Total number of jobs re-queued after losing their last vehicle",
		}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_jobs_recovered_total",
			Help: "Total number of jobs resumed from a checkpoint on a replacement vehicle",
		}),
		vehicleDepartures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_vehicle_departures_total",
			Help: "Total number of vehicle departures handled",
		}),
		checkpointsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_checkpoints_archived_total",
			Help: "Total number of checkpoints archived",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curbgrid_notifications_dropped_total",
			Help: "Total number of notifications dropped for lack of a live channel",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curbgrid_queue_pending",
			Help: "Current number of jobs in the pending queue",
		}),
		jobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curbgrid_jobs_in_progress",
			Help: "Current number of in-progress jobs",
		}),
		vehiclesAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curbgrid_vehicles_available",
			Help: "Current size of the available vehicle pool",
		}),
		vehiclesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curbgrid_vehicles_active",
			Help: "Current size of the active vehicle pool",
		}),
	}

	reg.MustRegister(
		c.requestsSubmitted, c.requestsApproved, c.requestsRejected,
		c.jobsScheduled, c.jobsCompleted, c.jobsInterrupted, c.jobsRecovered,
		c.vehicleDepartures, c.checkpointsArchived, c.notificationsDropped,
		c.queuePending, c.jobsInProgress, c.vehiclesAvailable, c.vehiclesActive,
	)
	return c
}

func (c *Collector) RecordRequestSubmitted() { c.requestsSubmitted.Inc() }
func (c *Collector) RecordRequestApproved()  { c.requestsApproved.Inc() }
func (c *Collector) RecordRequestRejected()  { c.requestsRejected.Inc() }
func (c *Collector) RecordJobScheduled()     { c.jobsScheduled.Inc() }
func (c *Collector) RecordJobCompleted()     { c.jobsCompleted.Inc() }
func (c *Collector) RecordJobInterrupted()   { c.jobsInterrupted.Inc() }
func (c *Collector) RecordJobRecovered()     { c.jobsRecovered.Inc() }
func (c *Collector) RecordDeparture()        { c.vehicleDepartures.Inc() }
func (c *Collector) RecordCheckpoint()       { c.checkpointsArchived.Inc() }
func (c *Collector) RecordDroppedNotify()    { c.notificationsDropped.Inc() }

// UpdatePoolStats refreshes the queue/pool gauges after a state change.
func (c *Collector) UpdatePoolStats(pending, inProgress, available, active int) {
	c.queuePending.Set(float64(pending))
	c.jobsInProgress.Set(float64(inProgress))
	c.vehiclesAvailable.Set(float64(available))
	c.vehiclesActive.Set(float64(active))
}
