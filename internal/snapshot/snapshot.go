// Package snapshot persists the controller state to a single JSON file
// using atomic writes (temp file + rename). A missing file means cold
// start; a corrupt file is deleted and also treated as cold start, so a
// bad snapshot can never keep the process from booting.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/curbgrid/curbgrid/pkg/types"
)

const schemaVersion = 1

var (
	// ErrCorruptSnapshot is returned by Load after it has discarded an
	// unreadable or incompatible snapshot file. The returned data is a
	// valid cold-start payload; callers log and continue.
	ErrCorruptSnapshot = errors.New("snapshot file is corrupt")
)

// Manager owns the snapshot file.
type Manager struct {
	mu   sync.Mutex
	path string
}

// NewManager creates a manager for the given snapshot path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically persists the snapshot: write to a temp file, then
// rename over the target.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = schemaVersion

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file yields an empty cold-start
// payload and no error. A corrupt or version-incompatible file is deleted
// and Load returns an empty payload together with ErrCorruptSnapshot so
// the caller can log the discard and boot cold.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.EmptySnapshot(), nil
		}
		return types.EmptySnapshot(), fmt.Errorf("read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		os.Remove(m.path)
		return types.EmptySnapshot(), fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		os.Remove(m.path)
		return types.EmptySnapshot(), fmt.Errorf("%w: schema version %d, want %d",
			ErrCorruptSnapshot, data.SchemaVer, schemaVersion)
	}

	// Maps may be absent in a snapshot written before anything existed.
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	if data.Vehicles == nil {
		data.Vehicles = make(map[types.VehicleID]*types.Vehicle)
	}
	if data.Assignments == nil {
		data.Assignments = make(map[types.JobID][]types.VehicleID)
	}
	if data.VehicleJobs == nil {
		data.VehicleJobs = make(map[types.VehicleID]types.JobID)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present on disk.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}
