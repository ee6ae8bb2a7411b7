package slurm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
)

func TestParseSacctNodeState(t *testing.T) {
	tests := []struct {
		name  string
		line  string
		node  string
		state string
	}{
		{name: "running on a node", line: "cn-b002 RUNNING\n", node: "cn-b002", state: "RUNNING"},
		{name: "no node assigned yet", line: "None assigned ", node: "None assigned", state: ""},
		{name: "pending without a node", line: "None assigned PENDING", node: "None assigned", state: "PENDING"},
		{name: "not in accounting yet", line: "", node: "", state: ""},
		{name: "node without a state", line: "cn-b002", node: "cn-b002", state: ""},
		{name: "state with decoration", line: "cn-c017 CANCELLED by 1471600", node: "cn-c017", state: "CANCELLED by 1471600"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, state := ParseSacctNodeState(tt.line)
			assert.Equal(t, tt.node, node)
			assert.Equal(t, tt.state, state)
		})
	}
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		raw   string
		state JobState
		known bool
	}{
		{raw: "RUNNING", state: StateRunning, known: true},
		{raw: "running", state: StateRunning, known: true},
		{raw: "CANCELLED+", state: StateCancelled, known: true},
		{raw: "CANCELLED by 1471600", state: StateCancelled, known: true},
		{raw: "OUT_OF_MEMORY", state: StateOutOfMemory, known: true},
		{raw: "REQUEUED", known: false},
		{raw: "", known: false},
	}
	for _, tt := range tests {
		state, known := NormalizeState(tt.raw)
		assert.Equal(t, tt.known, known, "raw %q", tt.raw)
		if tt.known {
			assert.Equal(t, tt.state, state, "raw %q", tt.raw)
		}
	}
}

func TestParseSallocJobID(t *testing.T) {
	jobID, ok := ParseSallocJobID("salloc: Granted job allocation 123456")
	require.True(t, ok)
	assert.Equal(t, 123456, jobID)

	jobID, ok = ParseSallocJobID("salloc: Pending job allocation 987")
	require.True(t, ok)
	assert.Equal(t, 987, jobID)

	_, ok = ParseSallocJobID("salloc: error: Invalid account specified")
	assert.False(t, ok)
}

func TestParseSbatchJobID(t *testing.T) {
	jobID, err := ParseSbatchJobID("123456\n")
	require.NoError(t, err)
	assert.Equal(t, 123456, jobID)

	jobID, err = ParseSbatchJobID("123456;beluga")
	require.NoError(t, err)
	assert.Equal(t, 123456, jobID)

	_, err = ParseSbatchJobID("sbatch: error: invalid partition")
	require.Error(t, err)
	var allocErr sesherrors.AllocationError
	assert.True(t, errors.As(err, &allocErr))
}

func TestParseSqueueJobIDs(t *testing.T) {
	jobIDs, err := ParseSqueueJobIDs("123\n456\n\n789\n")
	require.NoError(t, err)
	assert.Equal(t, []int{123, 456, 789}, jobIDs)

	jobIDs, err = ParseSqueueJobIDs("")
	require.NoError(t, err)
	assert.Empty(t, jobIDs)

	_, err = ParseSqueueJobIDs("123\nnot-a-job\n")
	require.Error(t, err)
	var parseErr sesherrors.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "squeue", parseErr.Source)
}
