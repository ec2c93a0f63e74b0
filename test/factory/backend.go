package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/brown-padev/peteramati/backend"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
)

// Backend is a backend.Backend whose runs do nothing until a test says so.
// Output and lock files are real, so checkups and the reaper see what they
// would see with a real backend.
type Backend struct {
	Logs *runlogs.Dir
	// StartErr, if set, is returned by every Start.
	StartErr error
	// StopAfter is how many polls a stopped run keeps reporting working.
	StopAfter int

	mu      sync.Mutex
	runs    map[string]*fakeRun
	started int
	stops   int
}

type fakeRun struct {
	status    models.JobStatus
	stopped   bool
	untilStop int
}

var _ backend.Backend = (*Backend)(nil)

func NewBackend(logs *runlogs.Dir) *Backend {
	return &Backend{Logs: logs, runs: make(map[string]*fakeRun)}
}

func runName(key runlogs.Key, checkt int64) string {
	return fmt.Sprintf("%s/%d", key, checkt)
}

func (b *Backend) Start(ctx context.Context, job *backend.Job) (*backend.Handle, error) {
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	if err := b.Logs.Prepare(job.Key); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(job.Paths.Log, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return nil, err
	}
	f.Close()
	if err := runlogs.WriteLock(job.Paths.Lock, strconv.Itoa(os.Getpid())+"\n"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[runName(job.Key, job.Checkt)] = &fakeRun{status: models.StatusWorking}
	b.started++
	return &backend.Handle{LockFile: job.Paths.Lock}, nil
}

func (b *Backend) Poll(ctx context.Context, key runlogs.Key, checkt int64) (models.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runName(key, checkt)]
	if !ok {
		return "", runlogs.ErrNoSuchLog
	}
	if run.stopped && run.status == models.StatusWorking {
		if run.untilStop <= 0 {
			run.status = models.StatusError
		} else {
			run.untilStop--
		}
	}
	return run.status, nil
}

func (b *Backend) Stop(ctx context.Context, key runlogs.Key, checkt int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runName(key, checkt)]
	if !ok {
		return runlogs.ErrNoSuchLog
	}
	b.stops++
	if !run.stopped {
		run.stopped = true
		run.untilStop = b.StopAfter
	}
	return nil
}

// Write appends output to the run's log.
func (b *Backend) Write(key runlogs.Key, checkt int64, output string) error {
	p, err := b.Logs.Paths(key, checkt)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p.Log, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(output)
	return err
}

// Finish ends the run with status, the way a worker does: the lock file ends
// up holding "0\n".
func (b *Backend) Finish(key runlogs.Key, checkt int64, status models.JobStatus) error {
	b.mu.Lock()
	run, ok := b.runs[runName(key, checkt)]
	if ok {
		run.status = status
	}
	b.mu.Unlock()
	if !ok {
		return runlogs.ErrNoSuchLog
	}
	p, err := b.Logs.Paths(key, checkt)
	if err != nil {
		return err
	}
	return runlogs.WriteLock(p.Lock, runlogs.ExitedContent)
}

// Started returns how many runs have started.
func (b *Backend) Started() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Stops returns how many stop requests the backend received.
func (b *Backend) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}
