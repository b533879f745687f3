// Package types defines the core domain records shared across the
// curbgrid coordination system: jobs, vehicles, approval requests and
// execution checkpoints, together with the controller snapshot payload.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobID uniquely identifies a computational job.
type JobID string

// VehicleID is a vehicle's signature: license plate plus jurisdiction code.
// It is unique across the whole system.
type VehicleID string

// RequestID uniquely identifies an approval request.
type RequestID string

// UserID identifies the client or vehicle owner a record belongs to.
type UserID string

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	// JobPending means the job sits in the scheduling queue.
	JobPending JobStatus = "pending"
	// JobInProgress means the job is executing on one or more vehicles.
	JobInProgress JobStatus = "in_progress"
	// JobInterrupted means the job lost its last vehicle without a usable
	// checkpoint and re-entered the queue tail.
	JobInterrupted JobStatus = "interrupted"
	// JobCompleted means every assigned vehicle reported completion and the
	// job has been archived.
	JobCompleted JobStatus = "completed"
)

// Job is a unit of work that must run on Redundancy vehicles concurrently.
// Redundancy is fixed at creation and never changes afterwards.
type Job struct {
	ID            JobID     `json:"id"`
	OwnerID       UserID    `json:"owner_id"`
	DisplayToken  string    `json:"display_token"`
	DurationHours int       `json:"duration_hours"`
	Redundancy    int       `json:"redundancy"`
	Deadline      time.Time `json:"deadline"`
	Status        JobStatus `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// NewJobID derives a job ID from the caller-supplied display token plus a
// random suffix, so uniqueness needs no central coordination.
func NewJobID(token string) JobID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return JobID(fmt.Sprintf("%s-%s", token, suffix))
}

// VehicleStatus tracks a vehicle through the pool state machine.
type VehicleStatus string

const (
	// VehicleAvailable means the vehicle sits in the available pool.
	VehicleAvailable VehicleStatus = "available"
	// VehicleActive means the vehicle is executing an assigned job.
	VehicleActive VehicleStatus = "active"
	// VehicleRestarted means the vehicle took over an interrupted job and
	// resumed it from an archived checkpoint.
	VehicleRestarted VehicleStatus = "active_restarted"
)

// Vehicle is a compute node: a parked car that executes jobs until its
// scheduled departure. CurrentJob is non-empty iff the status is
// VehicleActive or VehicleRestarted.
type Vehicle struct {
	Plate       string        `json:"plate"`
	StateCode   string        `json:"state_code"`
	Make        string        `json:"make"`
	Model       string        `json:"model"`
	Year        int           `json:"year"`
	DepartureAt time.Time     `json:"departure_at"`
	Status      VehicleStatus `json:"status"`
	CPUState    string        `json:"cpu_state,omitempty"`
	MemoryState string        `json:"memory_state,omitempty"`
	CurrentJob  JobID         `json:"current_job,omitempty"`
	OwnerID     UserID        `json:"owner_id"`
}

// Signature builds the composite identity for a plate/state pair.
func Signature(plate, stateCode string) VehicleID {
	return VehicleID(strings.ToUpper(plate) + "|" + strings.ToUpper(stateCode))
}

// ID returns the vehicle's signature.
func (v *Vehicle) ID() VehicleID {
	return Signature(v.Plate, v.StateCode)
}

// RequestType distinguishes what an approval request wraps.
type RequestType string

const (
	RequestJobSubmission       RequestType = "job_submission"
	RequestVehicleRegistration RequestType = "vehicle_registration"
)

// RequestStatus tracks the approval envelope. The only legal transitions are
// pending -> approved and pending -> rejected; decisions are terminal.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// Request is an approval-gated envelope around a job submission or a vehicle
// registration. Exactly one of Job/Vehicle is set, matching Type.
type Request struct {
	ID           RequestID     `json:"id"`
	SenderID     UserID        `json:"sender_id"`
	Type         RequestType   `json:"type"`
	Job          *Job          `json:"job,omitempty"`
	Vehicle      *Vehicle      `json:"vehicle,omitempty"`
	Status       RequestStatus `json:"status"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	Acknowledged bool          `json:"acknowledged"`
	DecidedAt    *time.Time    `json:"decided_at,omitempty"`
}

// Checkpoint is an immutable snapshot of a job's execution state pushed by a
// vehicle. The field names double as the ingress wire format.
type Checkpoint struct {
	ID        string    `json:"checkpoint_id"`
	JobID     JobID     `json:"job_id"`
	VehicleID VehicleID `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`
	State     []byte    `json:"state_data"`
}

// NewCheckpointID generates a fresh checkpoint identifier.
func NewCheckpointID() string {
	return uuid.NewString()
}

// SnapshotData is the persisted controller state: the pending queue, the
// in-progress and archived sets, both assignment maps, and the full job and
// vehicle records they refer to. The available/active vehicle pools are not
// stored; they are reconstructed from the assignment maps on reload.
type SnapshotData struct {
	Queue       []JobID                `json:"queue"`
	InProgress  []JobID                `json:"in_progress"`
	Archived    []JobID                `json:"archived"`
	Assignments map[JobID][]VehicleID  `json:"assignments"`
	VehicleJobs map[VehicleID]JobID    `json:"vehicle_jobs"`
	Jobs        map[JobID]*Job         `json:"jobs"`
	Vehicles    map[VehicleID]*Vehicle `json:"vehicles"`
	SchemaVer   int                    `json:"schema_ver"`
}

// EmptySnapshot returns a cold-start snapshot payload.
func EmptySnapshot() SnapshotData {
	return SnapshotData{
		Assignments: make(map[JobID][]VehicleID),
		VehicleJobs: make(map[VehicleID]JobID),
		Jobs:        make(map[JobID]*Job),
		Vehicles:    make(map[VehicleID]*Vehicle),
		SchemaVer:   1,
	}
}
