// Package registry is the authoritative store for in-flight approval
// requests, the append-only checkpoint archive, and the table of live
// outbound notification channels. It holds no scheduling logic; the
// controller reads and writes requests and checkpoints only through it.
//
// Every method takes the registry's own lock and never calls out while
// holding it, so the registry can be used from transport goroutines and
// from the controller without lock-ordering concerns.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curbgrid/curbgrid/pkg/types"
)

var log = slog.Default()

var (
	// ErrDuplicateID means a caller-supplied request ID collides with an
	// existing one. Generated IDs never collide in practice.
	ErrDuplicateID = errors.New("request id already exists")
	// ErrInvalidState means the request has already been decided.
	ErrInvalidState = errors.New("request already decided")
	// ErrNotFound means no request with the given ID exists.
	ErrNotFound = errors.New("request not found")
)

// notifyBuffer is the per-user channel depth. A full channel drops the
// message rather than blocking the registry; delivery is at-most-once.
const notifyBuffer = 16

// Registry owns the request table, the checkpoint archive and the
// notification channel table.
type Registry struct {
	mu          sync.Mutex
	requests    map[types.RequestID]*types.Request
	order       []types.RequestID // submission order, for stable listing
	checkpoints map[types.JobID][]types.Checkpoint
	channels    map[types.UserID]chan string
	archive     *archiveLog // nil when running memory-only
}

// NewRegistry creates a memory-only registry. Checkpoints archived into it
// do not survive a restart; use Open for the durable variant.
func NewRegistry() *Registry {
	return &Registry{
		requests:    make(map[types.RequestID]*types.Request),
		checkpoints: make(map[types.JobID][]types.Checkpoint),
		channels:    make(map[types.UserID]chan string),
	}
}

// Open creates a registry whose checkpoint archive is backed by an
// append-only log at path. Existing records are replayed into memory.
func Open(archivePath string) (*Registry, error) {
	r := NewRegistry()

	logFile, err := openArchiveLog(archivePath)
	if err != nil {
		return nil, err
	}
	replayed := 0
	if err := logFile.replay(func(cp types.Checkpoint) {
		r.checkpoints[cp.JobID] = append(r.checkpoints[cp.JobID], cp)
		replayed++
	}); err != nil {
		logFile.close()
		return nil, err
	}
	r.archive = logFile

	log.Info("checkpoint archive opened", "path", archivePath, "replayed", replayed)
	return r, nil
}

// Close releases the archive log, if any.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archive == nil {
		return nil
	}
	err := r.archive.close()
	r.archive = nil
	return err
}

// ============================================================================
// Request table
// ============================================================================

// Submit stores a new pending request and returns its ID. An empty ID is
// filled with a generated one; a caller-chosen ID that collides fails with
// ErrDuplicateID.
func (r *Registry) Submit(req *types.Request) (types.RequestID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.ID == "" {
		req.ID = types.RequestID(uuid.NewString())
	}
	if _, exists := r.requests[req.ID]; exists {
		return "", ErrDuplicateID
	}

	req.Status = types.RequestPending
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	stored := *req
	r.requests[req.ID] = &stored
	r.order = append(r.order, req.ID)
	return req.ID, nil
}

// Approve transitions a pending request to approved. Deciding twice fails
// with ErrInvalidState; the decision timestamp is set exactly once.
func (r *Registry) Approve(id types.RequestID) error {
	return r.decide(id, types.RequestApproved)
}

// Reject transitions a pending request to rejected.
func (r *Registry) Reject(id types.RequestID) error {
	return r.decide(id, types.RequestRejected)
}

func (r *Registry) decide(id types.RequestID, status types.RequestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, exists := r.requests[id]
	if !exists {
		return ErrNotFound
	}
	if req.Status != types.RequestPending {
		return ErrInvalidState
	}
	now := time.Now()
	req.Status = status
	req.DecidedAt = &now
	return nil
}

// Acknowledge marks receipt of a request. It is independent of the
// approval decision and may be set at any time.
func (r *Registry) Acknowledge(id types.RequestID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, exists := r.requests[id]
	if !exists {
		return ErrNotFound
	}
	req.Acknowledged = true
	return nil
}

// Get returns a copy of the request with the given ID.
func (r *Registry) Get(id types.RequestID) (*types.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, exists := r.requests[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// ListPending returns copies of all undecided requests, stable by
// submission time.
func (r *Registry) ListPending() []*types.Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*types.Request
	for _, id := range r.order {
		req := r.requests[id]
		if req.Status == types.RequestPending {
			cp := *req
			pending = append(pending, &cp)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	return pending
}

// ============================================================================
// Checkpoint archive
// ============================================================================

// ArchiveCheckpoint appends a checkpoint to the archive. Valid input is
// never rejected; a failure to persist the durable log is logged and the
// in-memory archive still grows.
func (r *Registry) ArchiveCheckpoint(cp types.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cp.ID == "" {
		cp.ID = types.NewCheckpointID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	r.checkpoints[cp.JobID] = append(r.checkpoints[cp.JobID], cp)

	if r.archive != nil {
		if err := r.archive.append(cp); err != nil {
			log.Warn("failed to persist checkpoint record",
				"checkpointID", cp.ID, "jobID", cp.JobID, "error", err)
		}
	}
}

// LatestCheckpoint returns the most recent checkpoint for a job, by
// timestamp with insertion order as tiebreak, or false if none exists.
func (r *Registry) LatestCheckpoint(jobID types.JobID) (types.Checkpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cps := r.checkpoints[jobID]
	if len(cps) == 0 {
		return types.Checkpoint{}, false
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if !cp.Timestamp.Before(latest.Timestamp) {
			latest = cp
		}
	}
	return latest, true
}

// CheckpointCount reports how many checkpoints are archived for a job.
func (r *Registry) CheckpointCount(jobID types.JobID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checkpoints[jobID])
}

// ============================================================================
// Notification channels
// ============================================================================

// RegisterNotificationChannel installs the outbound channel for a user and
// returns it. Registering replaces any prior channel for the same user
// (last-writer-wins, supporting reconnection); the replaced channel is
// closed so its connection pump exits.
func (r *Registry) RegisterNotificationChannel(userID types.UserID) chan string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, exists := r.channels[userID]; exists {
		close(prior)
	}
	ch := make(chan string, notifyBuffer)
	r.channels[userID] = ch
	return ch
}

// DeregisterNotificationChannel removes a user's channel, but only if it
// is still the one the caller owns; a channel replaced by a reconnection
// must not tear down its successor.
func (r *Registry) DeregisterNotificationChannel(userID types.UserID, ch chan string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.channels[userID]; exists && current == ch {
		delete(r.channels, userID)
		close(current)
	}
}

// Notify pushes a message to the user's registered channel. Delivery is
// best-effort and at-most-once: with no channel registered, or a full
// one, the message is dropped here and the report is false. Durable
// notification history is the collaborator store's concern.
func (r *Registry) Notify(userID types.UserID, message string) bool {
	// The send stays under the lock: channels are only closed under the
	// same lock, so Notify can never send on a closed channel.
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.channels[userID]
	if !exists {
		return false
	}
	select {
	case ch <- message:
		return true
	default:
		log.Warn("notification channel full, dropping message", "userID", userID)
		return false
	}
}
