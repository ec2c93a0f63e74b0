// Package backend starts, observes and stops the processes behind runs.
//
// Backends keep no state a later process would need: everything about a run
// lives in its runlogs files, so a restarted server can keep polling runs
// started by its predecessor.
package backend

import (
	"context"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
)

// StopSequence is written to a run's control fifo to ask it to stop.
var StopSequence = []byte{0x1b, 0x03}

// A Job is everything needed to start one run.
type Job struct {
	Key    runlogs.Key
	Checkt int64
	Paths  runlogs.Paths
	Runner *config.Runner
	Repo   *config.Repo
	User   string
	Commit string
}

// Handle names the worker-side files of a started run. The reaper watches
// LockFile; Stop writes to InputFifo.
type Handle struct {
	LockFile  string
	InputFifo string
}

// A Backend runs jobs.
type Backend interface {
	// Start launches the job and returns without waiting for it. The job's
	// log must exist when Start returns.
	Start(ctx context.Context, job *Job) (*Handle, error)
	// Poll returns the current status of the run.
	Poll(ctx context.Context, key runlogs.Key, checkt int64) (models.JobStatus, error)
	// Stop asks the run to stop. It does not wait.
	Stop(ctx context.Context, key runlogs.Key, checkt int64) error
}

// Set picks a backend by the name in a runner's configuration.
type Set map[string]Backend

// For returns the backend for r.
func (s Set) For(r *config.Runner) (Backend, bool) {
	name := r.Backend
	if name == "" {
		name = config.BackendLocal
	}
	b, ok := s[name]
	return b, ok
}
