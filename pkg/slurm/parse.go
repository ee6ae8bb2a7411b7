// Package slurm manages the life cycle of scheduler-allocated compute jobs
// and the sessions that execute on them through a login node.
package slurm

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/seshdev/sesh-cli/pkg/collections"
	sesherrors "github.com/seshdev/sesh-cli/pkg/errors"
)

// JobState is the fixed scheduler vocabulary. States are never reported
// outside this set.
type JobState string

const (
	StatePending     JobState = "PENDING"
	StateRunning     JobState = "RUNNING"
	StateCompleted   JobState = "COMPLETED"
	StateCancelled   JobState = "CANCELLED"
	StateFailed      JobState = "FAILED"
	StateTimeout     JobState = "TIMEOUT"
	StatePreempted   JobState = "PREEMPTED"
	StateOutOfMemory JobState = "OUT_OF_MEMORY"
	StateNodeFail    JobState = "NODE_FAIL"
)

var knownStates = map[JobState]bool{
	StatePending:     true,
	StateRunning:     true,
	StateCompleted:   true,
	StateCancelled:   true,
	StateFailed:      true,
	StateTimeout:     true,
	StatePreempted:   true,
	StateOutOfMemory: true,
	StateNodeFail:    true,
}

// NormalizeState maps raw sacct/squeue state text into the vocabulary.
// Decorations like a trailing "+" or "CANCELLED by <uid>" are stripped.
func NormalizeState(raw string) (JobState, bool) {
	fields := strings.Fields(strings.ToUpper(raw))
	if len(fields) == 0 {
		return "", false
	}
	state := JobState(strings.TrimSuffix(fields[0], "+"))
	if !knownStates[state] {
		return "", false
	}
	return state, true
}

var sallocJobIDRe = regexp.MustCompile(`job allocation ([0-9]+)`)

// ParseSallocJobID matches the "Granted job allocation <N>" line salloc
// prints on stderr.
func ParseSallocJobID(line string) (int, bool) {
	match := sallocJobIDRe.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	jobID, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return jobID, true
}

// ParseSbatchJobID reads the job id from `sbatch --parsable` output, whose
// sole stdout value is "<jobid>" or "<jobid>;<cluster>".
func ParseSbatchJobID(stdout string) (int, error) {
	value := strings.TrimSpace(stdout)
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	jobID, err := strconv.Atoi(value)
	if err != nil {
		return 0, sesherrors.WrapAndTrace(sesherrors.AllocationError{Output: stdout})
	}
	return jobID, nil
}

// sacctNoneAssigned is what sacct prints in the Node column before the
// scheduler assigns one.
const sacctNoneAssigned = "None assigned"

// ParseSacctNodeState splits one line of
// `sacct --allocations --noheader --format=Node,State` into its node and
// state columns. Either value may be empty when the scheduler's accounting
// is not yet complete; callers treat that as "not ready yet".
func ParseSacctNodeState(stdout string) (node string, state string) {
	line := strings.TrimSpace(stdout)
	if line == "" {
		return "", ""
	}
	if strings.HasPrefix(line, sacctNoneAssigned) {
		return sacctNoneAssigned, strings.TrimSpace(strings.TrimPrefix(line, sacctNoneAssigned))
	}
	fields := strings.Fields(line)
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

// ParseSqueueJobIDs reads `squeue --noheader --format=%A` output: one job id
// per line.
func ParseSqueueJobIDs(stdout string) ([]int, error) {
	lines := collections.Filter(func(line string) bool {
		return line != ""
	}, collections.Fmap(strings.TrimSpace, strings.Split(stdout, "\n")))

	jobIDs := make([]int, 0, len(lines))
	for _, line := range lines {
		jobID, err := strconv.Atoi(line)
		if err != nil {
			return nil, sesherrors.WrapAndTrace(sesherrors.ParseError{Source: "squeue", Text: line})
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}
