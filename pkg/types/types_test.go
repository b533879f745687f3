package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewJobID verifies the display token prefix and suffix uniqueness.
func TestNewJobID(t *testing.T) {
	id1 := NewJobID("protein-fold")
	id2 := NewJobID("protein-fold")

	assert.True(t, strings.HasPrefix(string(id1), "protein-fold-"))
	assert.True(t, strings.HasPrefix(string(id2), "protein-fold-"))
	assert.NotEqual(t, id1, id2, "two IDs from the same token must differ")

	// token + dash + 8 hex chars
	suffix := strings.TrimPrefix(string(id1), "protein-fold-")
	assert.Len(t, suffix, 8)
}

// TestSignature verifies case normalization of the composite identity.
func TestSignature(t *testing.T) {
	assert.Equal(t, VehicleID("ABC123|CA"), Signature("abc123", "ca"))
	assert.Equal(t, VehicleID("ABC123|CA"), Signature("Abc123", "Ca"))
	assert.Equal(t, Signature("abc123", "CA"), Signature("ABC123", "ca"),
		"signatures differing only in case must collide")
}

func TestVehicleID(t *testing.T) {
	v := &Vehicle{Plate: "xyz789", StateCode: "ny"}
	assert.Equal(t, VehicleID("XYZ789|NY"), v.ID())
}

// TestEmptySnapshot verifies every map is usable on a cold start.
func TestEmptySnapshot(t *testing.T) {
	data := EmptySnapshot()

	require.NotNil(t, data.Jobs)
	require.NotNil(t, data.Vehicles)
	require.NotNil(t, data.Assignments)
	require.NotNil(t, data.VehicleJobs)
	assert.Equal(t, 1, data.SchemaVer)
	assert.Empty(t, data.Queue)
}

func TestNewCheckpointID(t *testing.T) {
	assert.NotEqual(t, NewCheckpointID(), NewCheckpointID())
}
