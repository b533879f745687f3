package snapshot

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curbgrid/curbgrid/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
}

// TestWriteAndLoad verifies a full state round trip.
func TestWriteAndLoad(t *testing.T) {
	manager := newTestManager(t)

	original := types.EmptySnapshot()
	original.Queue = []types.JobID{"job-a", "job-b"}
	original.InProgress = []types.JobID{"job-c"}
	original.Jobs["job-a"] = &types.Job{ID: "job-a", Status: types.JobPending, Redundancy: 2}
	original.Jobs["job-c"] = &types.Job{ID: "job-c", Status: types.JobInProgress, Redundancy: 1}
	original.Vehicles["ABC|CA"] = &types.Vehicle{Plate: "ABC", StateCode: "CA", Status: types.VehicleActive}
	original.Assignments["job-c"] = []types.VehicleID{"ABC|CA"}
	original.VehicleJobs["ABC|CA"] = "job-c"

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, original.Queue, loaded.Queue)
	assert.Equal(t, original.InProgress, loaded.InProgress)
	assert.Equal(t, original.Assignments, loaded.Assignments)
	assert.Equal(t, original.VehicleJobs, loaded.VehicleJobs)
	require.Contains(t, loaded.Jobs, types.JobID("job-a"))
	assert.Equal(t, 2, loaded.Jobs["job-a"].Redundancy)
	require.Contains(t, loaded.Vehicles, types.VehicleID("ABC|CA"))
	assert.Equal(t, types.VehicleActive, loaded.Vehicles["ABC|CA"].Status)
}

// TestFirstBoot verifies a missing file yields a cold start, not an error.
func TestFirstBoot(t *testing.T) {
	manager := newTestManager(t)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Queue)
	assert.Equal(t, 1, loaded.SchemaVer)
	assert.False(t, manager.Exists())
}

// TestCorruptSnapshotDeleted verifies a corrupt file is discarded from
// disk and Load still returns a usable cold-start payload.
func TestCorruptSnapshotDeleted(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, os.WriteFile(manager.Path(), []byte(`{"queue": ["job-a"`), 0o644))

	loaded, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	assert.NotNil(t, loaded.Jobs, "corrupt load must still return a cold-start payload")
	assert.Empty(t, loaded.Queue)

	_, statErr := os.Stat(manager.Path())
	assert.True(t, os.IsNotExist(statErr), "corrupt snapshot file must be deleted")

	// A second load is now a clean cold start.
	_, err = manager.Load()
	assert.NoError(t, err)
}

// TestSchemaMismatch verifies an incompatible schema version is treated
// like corruption.
func TestSchemaMismatch(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, os.WriteFile(manager.Path(), []byte(`{"schema_ver": 99}`), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	_, statErr := os.Stat(manager.Path())
	assert.True(t, os.IsNotExist(statErr))
}

// TestAtomicWrite verifies the temp file never survives a write.
func TestAtomicWrite(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Write(types.EmptySnapshot()))

	_, err := os.Stat(manager.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not exist after write")
	assert.True(t, manager.Exists())
}

// TestWriteCreatesDir verifies intermediate directories are created.
func TestWriteCreatesDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "snapshot.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(types.EmptySnapshot()))
	assert.True(t, manager.Exists())
}

// TestConcurrentWriteAndLoad verifies a reader always sees a complete
// snapshot while writers race.
func TestConcurrentWriteAndLoad(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, manager.Write(types.EmptySnapshot()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			data := types.EmptySnapshot()
			data.Queue = []types.JobID{types.JobID("job-" + string(rune('a'+n)))}
			assert.NoError(t, manager.Write(data))
		}(i)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			loaded, err := manager.Load()
			assert.NoError(t, err)
			assert.Equal(t, 1, loaded.SchemaVer)
		}()
	}
	wg.Wait()
}
