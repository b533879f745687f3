package controller

import (
	"errors"
	"sort"

	"github.com/curbgrid/curbgrid/pkg/types"
)

var (
	// ErrDuplicateJob means a job with the same ID is already tracked.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrDuplicateVehicle means the vehicle signature is already registered.
	ErrDuplicateVehicle = errors.New("vehicle signature already registered")
	// ErrUnknownJob means the job ID is not tracked at all.
	ErrUnknownJob = errors.New("job not found")
	// ErrInvalidState means the job is not in the lifecycle stage the
	// operation expects.
	ErrInvalidState = errors.New("job not in expected state")
	// ErrInvalidRequest means a submission failed validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// state is the controller's exclusive bookkeeping: the FIFO pending
// queue, the in-progress and archived job sets, the two vehicle pools
// and the bidirectional job/vehicle assignment maps. It is not
// self-locking; every access happens under the controller mutex, which
// keeps all transitions totally ordered.
//
// The jobs and vehicles maps are the single source of truth; the queue,
// the status sets and the pools are indexes over them and share the same
// pointers.
type state struct {
	queue []types.JobID
	jobs  map[types.JobID]*types.Job

	inProgress map[types.JobID]*types.Job
	archived   map[types.JobID]*types.Job

	assignments map[types.JobID][]types.VehicleID
	vehicleJob  map[types.VehicleID]types.JobID

	vehicles  map[types.VehicleID]*types.Vehicle
	available map[types.VehicleID]*types.Vehicle
	active    map[types.VehicleID]*types.Vehicle
}

func newState() *state {
	return &state{
		jobs:        make(map[types.JobID]*types.Job),
		inProgress:  make(map[types.JobID]*types.Job),
		archived:    make(map[types.JobID]*types.Job),
		assignments: make(map[types.JobID][]types.VehicleID),
		vehicleJob:  make(map[types.VehicleID]types.JobID),
		vehicles:    make(map[types.VehicleID]*types.Vehicle),
		available:   make(map[types.VehicleID]*types.Vehicle),
		active:      make(map[types.VehicleID]*types.Vehicle),
	}
}

// enqueue appends a job to the tail of the pending queue.
func (s *state) enqueue(job *types.Job) error {
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	job.Status = types.JobPending
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job.ID)
	return nil
}

// requeueTail re-inserts an interrupted job at the tail of the queue.
func (s *state) requeueTail(job *types.Job) {
	job.Status = types.JobInterrupted
	delete(s.inProgress, job.ID)
	delete(s.assignments, job.ID)
	s.queue = append(s.queue, job.ID)
}

// peekHead returns the head of the pending queue without removing it.
func (s *state) peekHead() *types.Job {
	if len(s.queue) == 0 {
		return nil
	}
	return s.jobs[s.queue[0]]
}

func (s *state) dequeueHead() {
	s.queue = s.queue[1:]
}

// addVehicle registers a vehicle into the available pool.
func (s *state) addVehicle(v *types.Vehicle) error {
	id := v.ID()
	if _, exists := s.vehicles[id]; exists {
		return ErrDuplicateVehicle
	}
	v.Status = types.VehicleAvailable
	v.CurrentJob = ""
	s.vehicles[id] = v
	s.available[id] = v
	return nil
}

// takeAvailable moves exactly n vehicles from the available pool to the
// active pool and returns them, lowest signature first so assignment is
// deterministic. The caller must have checked len(s.available) >= n.
func (s *state) takeAvailable(n int) []*types.Vehicle {
	ids := make([]types.VehicleID, 0, len(s.available))
	for id := range s.available {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	taken := make([]*types.Vehicle, 0, n)
	for _, id := range ids[:n] {
		v := s.available[id]
		delete(s.available, id)
		s.active[id] = v
		taken = append(taken, v)
	}
	return taken
}

// assign records the job/vehicle mapping in both directions and marks the
// job in progress. restarted vehicles keep their recovery status.
func (s *state) assign(job *types.Job, vehicles []*types.Vehicle, restarted bool) {
	status := types.VehicleActive
	if restarted {
		status = types.VehicleRestarted
	}
	ids := make([]types.VehicleID, 0, len(vehicles))
	for _, v := range vehicles {
		v.Status = status
		v.CurrentJob = job.ID
		ids = append(ids, v.ID())
		s.vehicleJob[v.ID()] = job.ID
	}
	s.assignments[job.ID] = ids
	job.Status = types.JobInProgress
	s.inProgress[job.ID] = job
}

// releaseJob returns every vehicle assigned to a job to the available
// pool and clears both assignment maps for it.
func (s *state) releaseJob(jobID types.JobID) []*types.Vehicle {
	var released []*types.Vehicle
	for _, vid := range s.assignments[jobID] {
		v, ok := s.active[vid]
		if !ok {
			continue
		}
		delete(s.active, vid)
		delete(s.vehicleJob, vid)
		v.Status = types.VehicleAvailable
		v.CurrentJob = ""
		s.available[vid] = v
		released = append(released, v)
	}
	delete(s.assignments, jobID)
	return released
}

// detach removes a vehicle from its job's assignment list and from the
// active pool, returning the job it was assigned to.
func (s *state) detach(vid types.VehicleID) types.JobID {
	jobID := s.vehicleJob[vid]
	delete(s.vehicleJob, vid)
	delete(s.active, vid)

	assigned := s.assignments[jobID]
	kept := assigned[:0]
	for _, id := range assigned {
		if id != vid {
			kept = append(kept, id)
		}
	}
	s.assignments[jobID] = kept
	return jobID
}

// remove drops a vehicle from every pool and from the record table.
func (s *state) remove(vid types.VehicleID) {
	delete(s.available, vid)
	delete(s.active, vid)
	delete(s.vehicles, vid)
}

// snapshotData serializes the state into the persisted payload. Job and
// vehicle records are deep-copied so later mutations cannot leak into an
// in-flight write.
func (s *state) snapshotData() types.SnapshotData {
	data := types.EmptySnapshot()

	data.Queue = append([]types.JobID(nil), s.queue...)
	for id := range s.inProgress {
		data.InProgress = append(data.InProgress, id)
	}
	for id := range s.archived {
		data.Archived = append(data.Archived, id)
	}
	sort.Slice(data.InProgress, func(i, j int) bool { return data.InProgress[i] < data.InProgress[j] })
	sort.Slice(data.Archived, func(i, j int) bool { return data.Archived[i] < data.Archived[j] })

	for jobID, vids := range s.assignments {
		data.Assignments[jobID] = append([]types.VehicleID(nil), vids...)
	}
	for vid, jobID := range s.vehicleJob {
		data.VehicleJobs[vid] = jobID
	}
	for id, job := range s.jobs {
		cp := *job
		data.Jobs[id] = &cp
	}
	for id, v := range s.vehicles {
		cp := *v
		data.Vehicles[id] = &cp
	}
	return data
}

// restore rebuilds the state from a snapshot. The vehicle pools are
// reconstructed from the assignment maps: vehicles recorded in
// vehicleJob go back to the active pool; vehicles with no recorded
// assignment are kept as known records but restored to neither pool.
func (s *state) restore(data types.SnapshotData) {
	s.queue = append([]types.JobID(nil), data.Queue...)
	s.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	for id, job := range data.Jobs {
		s.jobs[id] = job
	}

	s.inProgress = make(map[types.JobID]*types.Job)
	for _, id := range data.InProgress {
		if job, ok := s.jobs[id]; ok {
			s.inProgress[id] = job
		}
	}
	s.archived = make(map[types.JobID]*types.Job)
	for _, id := range data.Archived {
		if job, ok := s.jobs[id]; ok {
			s.archived[id] = job
		}
	}

	s.assignments = make(map[types.JobID][]types.VehicleID, len(data.Assignments))
	for jobID, vids := range data.Assignments {
		s.assignments[jobID] = append([]types.VehicleID(nil), vids...)
	}
	s.vehicleJob = make(map[types.VehicleID]types.JobID, len(data.VehicleJobs))
	for vid, jobID := range data.VehicleJobs {
		s.vehicleJob[vid] = jobID
	}

	s.vehicles = make(map[types.VehicleID]*types.Vehicle, len(data.Vehicles))
	s.available = make(map[types.VehicleID]*types.Vehicle)
	s.active = make(map[types.VehicleID]*types.Vehicle)
	for id, v := range data.Vehicles {
		s.vehicles[id] = v
		if _, assigned := s.vehicleJob[id]; assigned {
			s.active[id] = v
		}
	}
}

// stats returns the queue/pool sizes.
func (s *state) stats() (pending, inProgress, available, active int) {
	return len(s.queue), len(s.inProgress), len(s.available), len(s.active)
}
