// Package controller implements the scheduling and recovery state
// machine over jobs and vehicle pools.
//
// All state-mutating operations execute under a single mutex, so
// scheduling passes, departures, completions and enqueues are strictly
// serialized. Every mutation persists a snapshot of the controller state
// before returning; on restart the snapshot is reloaded and the vehicle
// pools are reconstructed from the assignment maps. Vehicles that were
// never recorded in an assignment are not restored to the available pool
// on reload; that matches the observed product behavior and must not be
// changed without guidance.
//
// The registry has its own independent lock and the controller never
// calls into it while holding its own mutex, which rules out
// lock-ordering deadlocks between the two.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/curbgrid/curbgrid/internal/metrics"
	"github.com/curbgrid/curbgrid/internal/registry"
	"github.com/curbgrid/curbgrid/internal/snapshot"
	"github.com/curbgrid/curbgrid/internal/store"
	"github.com/curbgrid/curbgrid/pkg/types"
)

var log = slog.Default()

// Config carries the controller's construction parameters.
type Config struct {
	SnapshotPath string
}

// Controller owns the pending queue, the vehicle pools and the
// assignment maps, and consumes approved requests and inbound
// checkpoints.
type Controller struct {
	mu        sync.Mutex
	st        *state
	cfg       Config
	registry  *registry.Registry
	snapshots *snapshot.Manager
	store     store.Store // may be nil when running without the relational collaborator
	metrics   *metrics.Collector
	startTime time.Time
}

// notice is a pending notification gathered under the controller lock
// and dispatched through the registry after the lock is released.
type notice struct {
	user    types.UserID
	message string
}

// JobSubmission is the payload of a job request before approval.
type JobSubmission struct {
	Owner         types.UserID
	DisplayToken  string
	DurationHours int
	Redundancy    int
	Deadline      time.Time
}

// VehicleRegistration is the payload of a vehicle request before
// approval.
type VehicleRegistration struct {
	Owner       types.UserID
	Plate       string
	StateCode   string
	Make        string
	Model       string
	Year        int
	DepartureAt time.Time
}

// New creates a controller. The store is optional; everything else is
// required.
func New(cfg Config, reg *registry.Registry, st store.Store, m *metrics.Collector) *Controller {
	return &Controller{
		st:        newState(),
		cfg:       cfg,
		registry:  reg,
		snapshots: snapshot.NewManager(cfg.SnapshotPath),
		store:     st,
		metrics:   m,
	}
}

// Start restores the controller state from the persisted snapshot. A
// missing snapshot means cold start; a corrupt one has already been
// discarded by the snapshot manager and is logged here.
func (c *Controller) Start() error {
	c.startTime = time.Now()

	data, err := c.snapshots.Load()
	if err != nil {
		log.Warn("discarding unusable snapshot, starting cold", "error", err)
	}

	c.mu.Lock()
	c.st.restore(data)
	pending, inProgress, available, active := c.st.stats()
	c.mu.Unlock()

	c.metrics.UpdatePoolStats(pending, inProgress, available, active)
	log.Info("controller state restored",
		"duration", time.Since(c.startTime),
		"pending", pending,
		"in_progress", inProgress,
		"active_vehicles", active)
	return nil
}

// Stop persists a final snapshot.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.persistLocked()
	c.mu.Unlock()
	log.Info("controller stopped")
}

// ============================================================================
// Request submission
// ============================================================================

// SubmitJobRequest wraps a job submission in a pending approval request.
// The request is acknowledged immediately to confirm receipt; the job
// itself enters the queue only on approval.
func (c *Controller) SubmitJobRequest(ctx context.Context, sub JobSubmission) (*types.Request, error) {
	if sub.DisplayToken == "" {
		return nil, fmt.Errorf("%w: display token required", ErrInvalidRequest)
	}
	if sub.DurationHours <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}
	if sub.Redundancy < 1 {
		return nil, fmt.Errorf("%w: redundancy must be at least 1", ErrInvalidRequest)
	}
	if !sub.Deadline.After(time.Now()) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrInvalidRequest)
	}

	job := &types.Job{
		ID:            types.NewJobID(sub.DisplayToken),
		OwnerID:       sub.Owner,
		DisplayToken:  sub.DisplayToken,
		DurationHours: sub.DurationHours,
		Redundancy:    sub.Redundancy,
		Deadline:      sub.Deadline,
		Status:        types.JobPending,
		SubmittedAt:   time.Now(),
	}
	req := &types.Request{
		SenderID:     sub.Owner,
		Type:         types.RequestJobSubmission,
		Job:          job,
		Acknowledged: true,
		SubmittedAt:  job.SubmittedAt,
	}
	if _, err := c.registry.Submit(req); err != nil {
		return nil, err
	}
	c.saveRequest(ctx, req)
	c.metrics.RecordRequestSubmitted()

	log.Info("job request submitted", "requestID", req.ID, "jobID", job.ID,
		"redundancy", job.Redundancy)
	return req, nil
}

// SubmitVehicleRequest wraps a vehicle registration in a pending
// approval request. Duplicate signatures are rejected up front via the
// same lookup the presentation layer uses.
func (c *Controller) SubmitVehicleRequest(ctx context.Context, reg VehicleRegistration) (*types.Request, error) {
	if reg.Plate == "" || reg.StateCode == "" {
		return nil, fmt.Errorf("%w: plate and state code required", ErrInvalidRequest)
	}
	if !reg.DepartureAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: departure must be in the future", ErrInvalidRequest)
	}
	sig := types.Signature(reg.Plate, reg.StateCode)
	if c.IsVehicleRegistered(sig) {
		return nil, ErrDuplicateVehicle
	}

	vehicle := &types.Vehicle{
		Plate:       reg.Plate,
		StateCode:   reg.StateCode,
		Make:        reg.Make,
		Model:       reg.Model,
		Year:        reg.Year,
		DepartureAt: reg.DepartureAt,
		OwnerID:     reg.Owner,
	}
	req := &types.Request{
		SenderID:     reg.Owner,
		Type:         types.RequestVehicleRegistration,
		Vehicle:      vehicle,
		Acknowledged: true,
		SubmittedAt:  time.Now(),
	}
	if _, err := c.registry.Submit(req); err != nil {
		return nil, err
	}
	c.saveRequest(ctx, req)
	c.metrics.RecordRequestSubmitted()

	log.Info("vehicle request submitted", "requestID", req.ID, "signature", sig)
	return req, nil
}

// ============================================================================
// Approval
// ============================================================================

// Approve decides a pending request. An approved job submission enters
// the tail of the pending queue; an approved vehicle registration joins
// the available pool. Both trigger a scheduling pass.
func (c *Controller) Approve(ctx context.Context, id types.RequestID) error {
	if err := c.registry.Approve(id); err != nil {
		return err
	}
	req, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	c.saveRequest(ctx, req)
	c.metrics.RecordRequestApproved()

	var notices []notice
	switch req.Type {
	case types.RequestJobSubmission:
		job := *req.Job

		c.mu.Lock()
		if err := c.st.enqueue(&job); err != nil {
			c.mu.Unlock()
			return err
		}
		notices = c.schedulePassLocked()
		c.persistLocked()
		c.mu.Unlock()

		c.saveJob(ctx, &job)
		notices = append(notices, notice{req.SenderID,
			fmt.Sprintf("job %s approved and queued", job.ID)})
		log.Info("job approved", "requestID", id, "jobID", job.ID)

	case types.RequestVehicleRegistration:
		vehicle := *req.Vehicle

		c.mu.Lock()
		if err := c.st.addVehicle(&vehicle); err != nil {
			c.mu.Unlock()
			return err
		}
		notices = c.schedulePassLocked()
		c.persistLocked()
		c.mu.Unlock()

		c.saveVehicle(ctx, &vehicle)
		notices = append(notices, notice{req.SenderID,
			fmt.Sprintf("vehicle %s approved and available", vehicle.ID())})
		log.Info("vehicle approved", "requestID", id, "signature", vehicle.ID())
	}

	c.dispatch(ctx, notices)
	return nil
}

// Reject decides a pending request negatively. Controller state is
// untouched.
func (c *Controller) Reject(ctx context.Context, id types.RequestID) error {
	if err := c.registry.Reject(id); err != nil {
		return err
	}
	req, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	c.saveRequest(ctx, req)
	c.metrics.RecordRequestRejected()

	c.dispatch(ctx, []notice{{req.SenderID,
		fmt.Sprintf("request %s was rejected", req.ID)}})
	log.Info("request rejected", "requestID", id)
	return nil
}

// ============================================================================
// Scheduling
// ============================================================================

// schedulePassLocked examines the head of the pending queue and assigns
// vehicles while the head job's redundancy can be satisfied. Strict
// FIFO: a head job requiring more vehicles than are available stops the
// pass, and later-queued jobs are never considered ahead of it. A
// high-redundancy head can block the queue; that ordering is the
// product behavior and must stay.
//
// Caller holds c.mu.
func (c *Controller) schedulePassLocked() []notice {
	var notices []notice
	for {
		job := c.st.peekHead()
		if job == nil || len(c.st.available) < job.Redundancy {
			return notices
		}
		c.st.dequeueHead()
		assigned := c.st.takeAvailable(job.Redundancy)
		c.st.assign(job, assigned, false)
		c.metrics.RecordJobScheduled()

		for _, v := range assigned {
			notices = append(notices, notice{v.OwnerID,
				fmt.Sprintf("vehicle %s: begin executing job %s", v.ID(), job.ID)})
		}
		notices = append(notices, notice{job.OwnerID,
			fmt.Sprintf("job %s is now running on %d vehicle(s)", job.ID, len(assigned))})
		log.Info("job scheduled", "jobID", job.ID, "vehicles", len(assigned))
	}
}

// ============================================================================
// Checkpoints
// ============================================================================

// HandleCheckpoint archives an inbound checkpoint. It creates recovery
// material only: no scheduling is triggered and no job state changes.
func (c *Controller) HandleCheckpoint(cp types.Checkpoint) error {
	if cp.JobID == "" || cp.VehicleID == "" {
		return fmt.Errorf("%w: checkpoint missing job or vehicle id", ErrInvalidRequest)
	}
	c.registry.ArchiveCheckpoint(cp)
	c.metrics.RecordCheckpoint()
	log.Debug("checkpoint archived", "jobID", cp.JobID, "vehicleID", cp.VehicleID)
	return nil
}

// TriggerCheckpoint asks every vehicle assigned to a running job to push
// a checkpoint now.
func (c *Controller) TriggerCheckpoint(ctx context.Context, jobID types.JobID) error {
	c.mu.Lock()
	job, running := c.st.inProgress[jobID]
	if !running {
		_, known := c.st.jobs[jobID]
		c.mu.Unlock()
		if !known {
			return ErrUnknownJob
		}
		return fmt.Errorf("%w: job %s is not in progress", ErrInvalidState, jobID)
	}
	var notices []notice
	for _, vid := range c.st.assignments[jobID] {
		if v, ok := c.st.active[vid]; ok {
			notices = append(notices, notice{v.OwnerID,
				fmt.Sprintf("vehicle %s: push a checkpoint for job %s", vid, job.ID)})
		}
	}
	c.mu.Unlock()

	c.dispatch(ctx, notices)
	return nil
}

// ============================================================================
// Completion
// ============================================================================

// Complete handles the external completion signal for a job: every
// assigned vehicle returns to the available pool, the job is archived,
// and a scheduling pass runs. Completing an already-archived job is a
// no-op.
func (c *Controller) Complete(ctx context.Context, jobID types.JobID) error {
	c.mu.Lock()
	if _, done := c.st.archived[jobID]; done {
		c.mu.Unlock()
		return nil
	}
	job, running := c.st.inProgress[jobID]
	if !running {
		_, known := c.st.jobs[jobID]
		c.mu.Unlock()
		if !known {
			return ErrUnknownJob
		}
		return fmt.Errorf("%w: job %s has not started", ErrInvalidState, jobID)
	}

	released := c.st.releaseJob(jobID)
	delete(c.st.inProgress, jobID)
	job.Status = types.JobCompleted
	c.st.archived[jobID] = job

	notices := c.schedulePassLocked()
	c.persistLocked()
	c.mu.Unlock()

	c.metrics.RecordJobCompleted()
	c.saveJob(ctx, job)
	for _, v := range released {
		c.saveVehicle(ctx, v)
	}
	notices = append(notices, notice{job.OwnerID,
		fmt.Sprintf("job %s completed", jobID)})
	c.dispatch(ctx, notices)

	log.Info("job completed", "jobID", jobID, "released_vehicles", len(released))
	return nil
}

// ============================================================================
// Departure handling
// ============================================================================

// HandleDeparture processes a vehicle leaving the system, voluntarily or
// by failure. An available vehicle is simply removed. An active vehicle
// is detached from its job: if other vehicles remain assigned, the job
// continues on them; if it was the last one, the controller either
// recovers the job onto a replacement vehicle from the latest archived
// checkpoint, or reverts it to the interrupted state at the queue tail.
func (c *Controller) HandleDeparture(ctx context.Context, vid types.VehicleID) error {
	// Fetch recovery material before taking the lock: the registry must
	// never be called while the controller mutex is held.
	c.mu.Lock()
	assignedJob, wasActive := c.st.vehicleJob[vid]
	c.mu.Unlock()

	var latest types.Checkpoint
	var haveCheckpoint bool
	if wasActive {
		latest, haveCheckpoint = c.registry.LatestCheckpoint(assignedJob)
	}

	c.mu.Lock()
	if _, known := c.st.vehicles[vid]; !known {
		c.mu.Unlock()
		log.Warn("departure for unknown vehicle ignored", "vehicleID", vid)
		return nil
	}
	c.metrics.RecordDeparture()

	// Branch 1: available only, no job impact.
	if _, idle := c.st.available[vid]; idle {
		c.st.remove(vid)
		c.persistLocked()
		c.mu.Unlock()
		log.Info("available vehicle departed", "vehicleID", vid)
		return nil
	}

	jobID, active := c.st.vehicleJob[vid]
	if !active {
		// Known record in neither pool, possible after a snapshot
		// reload. Nothing to detach.
		c.mu.Unlock()
		log.Warn("departure for unpooled vehicle ignored", "vehicleID", vid)
		return nil
	}
	if jobID != assignedJob {
		// Assignment moved between the pre-read and now; the fetched
		// checkpoint belongs to another job and cannot be used.
		haveCheckpoint = false
	}

	c.st.detach(vid)
	c.st.remove(vid)
	job := c.st.inProgress[jobID]
	if job == nil {
		// Assignment map pointed at a job that is no longer running;
		// nothing left to recover.
		delete(c.st.assignments, jobID)
		c.persistLocked()
		c.mu.Unlock()
		log.Warn("departing vehicle referenced a job that is not running",
			"vehicleID", vid, "jobID", jobID)
		return nil
	}
	remaining := c.st.assignments[jobID]

	var notices []notice
	switch {
	case len(remaining) > 0:
		// Branch 2a: redundancy absorbs the loss down to a floor of one
		// surviving vehicle. The original redundancy count is not
		// re-established.
		notices = append(notices, notice{job.OwnerID,
			fmt.Sprintf("vehicle %s departed; job %s continues on %d vehicle(s)",
				vid, jobID, len(remaining))})
		log.Info("active vehicle departed, job continues",
			"vehicleID", vid, "jobID", jobID, "remaining", len(remaining))

	case len(c.st.available) > 0 && haveCheckpoint:
		// Branch 2b: recover onto a replacement vehicle from the latest
		// archived checkpoint. The job never leaves the in-progress set.
		replacement := c.st.takeAvailable(1)
		c.st.assign(job, replacement, true)
		c.metrics.RecordJobRecovered()
		notices = append(notices, notice{replacement[0].OwnerID,
			fmt.Sprintf("vehicle %s: resume job %s from checkpoint %s",
				replacement[0].ID(), jobID, latest.ID)})
		notices = append(notices, notice{job.OwnerID,
			fmt.Sprintf("job %s recovered onto vehicle %s", jobID, replacement[0].ID())})
		log.Info("job recovered from checkpoint",
			"jobID", jobID, "checkpointID", latest.ID,
			"replacement", replacement[0].ID())

	default:
		// Branch 2c: no safe resume point or no replacement; revert to
		// interrupted and re-enter the queue tail.
		c.st.requeueTail(job)
		c.metrics.RecordJobInterrupted()
		notices = append(notices, notice{job.OwnerID,
			fmt.Sprintf("job %s interrupted and re-queued", jobID)})
		log.Info("job interrupted and re-queued",
			"jobID", jobID, "had_checkpoint", haveCheckpoint)

		// The departure changed queue state: run a pass. With a spare
		// vehicle and no checkpoint this may restart the job from
		// scratch immediately.
		notices = append(notices, c.schedulePassLocked()...)
	}

	c.persistLocked()
	c.mu.Unlock()

	c.saveJob(ctx, job)
	c.dispatch(ctx, notices)
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// GetJobStatus reports the lifecycle stage of a job.
func (c *Controller) GetJobStatus(jobID types.JobID) (types.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.st.jobs[jobID]
	if !ok {
		return "", ErrUnknownJob
	}
	return job.Status, nil
}

// GetInProgressJobs returns copies of every running job, oldest first.
func (c *Controller) GetInProgressJobs() []types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobs := make([]types.Job, 0, len(c.st.inProgress))
	for _, job := range c.st.inProgress {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs
}

// GetPendingRequests returns the undecided requests in submission order.
func (c *Controller) GetPendingRequests() []*types.Request {
	return c.registry.ListPending()
}

// IsVehicleRegistered reports whether the signature is taken, either by
// a registered vehicle or by a still-pending registration request.
func (c *Controller) IsVehicleRegistered(sig types.VehicleID) bool {
	c.mu.Lock()
	_, known := c.st.vehicles[sig]
	c.mu.Unlock()
	if known {
		return true
	}
	for _, req := range c.registry.ListPending() {
		if req.Type == types.RequestVehicleRegistration && req.Vehicle.ID() == sig {
			return true
		}
	}
	return false
}

// Status returns operator-facing counters for the status surface.
func (c *Controller) Status() map[string]any {
	c.mu.Lock()
	pending, inProgress, available, active := c.st.stats()
	archived := len(c.st.archived)
	c.mu.Unlock()

	return map[string]any{
		"uptime":             time.Since(c.startTime).String(),
		"pending_jobs":       pending,
		"in_progress_jobs":   inProgress,
		"archived_jobs":      archived,
		"available_vehicles": available,
		"active_vehicles":    active,
		"pending_requests":   len(c.registry.ListPending()),
	}
}

// ============================================================================
// Persistence and notification plumbing
// ============================================================================

// persistLocked writes the durable snapshot. A persistence failure is
// logged and the in-memory operation stands; nothing here is fatal.
// Caller holds c.mu.
func (c *Controller) persistLocked() {
	data := c.st.snapshotData()
	if err := c.snapshots.Write(data); err != nil {
		log.Error("failed to persist controller snapshot", "error", err)
	}
	pending, inProgress, available, active := c.st.stats()
	c.metrics.UpdatePoolStats(pending, inProgress, available, active)
}

// dispatch records each notice in the durable history and pushes it
// through the registry. Pushes are best-effort; a user without a live
// channel only gets the history entry.
func (c *Controller) dispatch(ctx context.Context, notices []notice) {
	for _, n := range notices {
		if c.store != nil {
			if err := c.store.AddNotificationHistory(ctx, n.user, n.message); err != nil {
				log.Warn("failed to record notification history",
					"userID", n.user, "error", err)
			}
		}
		if !c.registry.Notify(n.user, n.message) {
			c.metrics.RecordDroppedNotify()
		}
	}
}

func (c *Controller) saveRequest(ctx context.Context, req *types.Request) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveRequest(ctx, req); err != nil {
		log.Warn("failed to save request", "requestID", req.ID, "error", err)
	}
}

func (c *Controller) saveJob(ctx context.Context, job *types.Job) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveJob(ctx, job); err != nil {
		log.Warn("failed to save job", "jobID", job.ID, "error", err)
	}
}

func (c *Controller) saveVehicle(ctx context.Context, v *types.Vehicle) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveVehicle(ctx, v); err != nil {
		log.Warn("failed to save vehicle", "signature", v.ID(), "error", err)
	}
}
