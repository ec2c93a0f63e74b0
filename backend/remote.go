package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"syscall"

	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/remote"
	"github.com/brown-padev/peteramati/runlogs"
)

// JobClient is the part of the container service API the remote backend
// uses. *remote.JobService implements it.
type JobClient interface {
	Submit(ctx context.Context, jr *remote.JobRequest) (string, error)
	Status(ctx context.Context, id string) (*remote.Status, error)
	Cancel(ctx context.Context, id string) error
}

// placeholderLock marks a lock file the container service has not taken
// over yet. It is neither a pid nor the exit signal, so the reaper leaves
// the run to the timeout.
const placeholderLock = "remote\n"

// Remote runs jobs on the container service. The service writes the log,
// lock file and fifo named in the request on shared storage; this backend
// remembers the job id next to the log and caches the terminal status.
type Remote struct {
	Logs        *runlogs.Dir
	Jobs        JobClient
	AccessToken string
}

func NewRemote(logs *runlogs.Dir, jobs JobClient, accessToken string) *Remote {
	return &Remote{Logs: logs, Jobs: jobs, AccessToken: accessToken}
}

func (r *Remote) Start(ctx context.Context, job *Job) (*Handle, error) {
	if job.Runner == nil {
		return nil, errors.New("backend: no runner")
	}
	if err := r.Logs.Prepare(job.Key); err != nil {
		return nil, err
	}
	p := job.Paths
	logFile, err := os.OpenFile(p.Log, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return nil, err
	}
	logFile.Close()
	if err := runlogs.WriteLock(p.Lock, placeholderLock); err != nil {
		return nil, err
	}
	if err := syscall.Mkfifo(p.Input, 0660); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("backend: creating fifo: %w", err)
	}
	jr := &remote.JobRequest{
		JobID:       strconv.FormatInt(job.Checkt, 10),
		PsetName:    job.Key.Pset,
		TestName:    job.Runner.Name,
		AccessToken: r.AccessToken,
		CommitID:    job.Commit,
		StudentID:   job.User,
		LogFile:     p.Log,
		PidFile:     p.Lock,
		InputFifo:   p.Input,
	}
	if job.Repo != nil {
		jr.RepoOwner = job.Repo.Owner
		jr.RepoName = job.Repo.Name
	}
	id, err := r.Jobs.Submit(ctx, jr)
	if err != nil {
		r.finish(job.Key, job.Checkt, models.StatusError)
		go metrics.Increment("backend.remote.submit_failed")
		return nil, err
	}
	if err := r.Logs.WriteJobID(job.Key, job.Checkt, id); err != nil {
		// We can't track the job, so don't leave it running.
		if cerr := r.Jobs.Cancel(ctx, id); cerr != nil {
			log.Printf("Could not cancel untracked job %s: %s", id, cerr)
		}
		r.finish(job.Key, job.Checkt, models.StatusError)
		return nil, err
	}
	go metrics.Increment("backend.remote.started")
	return &Handle{LockFile: p.Lock, InputFifo: p.Input}, nil
}

// finish caches the terminal status and releases the lock file.
func (r *Remote) finish(key runlogs.Key, checkt int64, status models.JobStatus) {
	if err := r.Logs.WriteExit(key, checkt, status); err != nil {
		log.Printf("Could not record exit of %s@%d: %s", key, checkt, err)
	}
	p, err := r.Logs.Paths(key, checkt)
	if err != nil {
		return
	}
	if err := runlogs.WriteLock(p.Lock, runlogs.ExitedContent); err != nil {
		log.Printf("Could not release lock of %s@%d: %s", key, checkt, err)
	}
}

func (r *Remote) Poll(ctx context.Context, key runlogs.Key, checkt int64) (models.JobStatus, error) {
	if s, ok := r.Logs.ReadExit(key, checkt); ok {
		return s, nil
	}
	if !r.Logs.Exists(key, checkt) {
		return "", runlogs.ErrNoSuchLog
	}
	id, err := r.Logs.ReadJobID(key, checkt)
	if err != nil {
		return "", err
	}
	s, err := r.Jobs.Status(ctx, id)
	if err != nil {
		return "", err
	}
	state := s.State()
	if state.Terminal() {
		r.finish(key, checkt, state)
	}
	return state, nil
}

func (r *Remote) Stop(ctx context.Context, key runlogs.Key, checkt int64) error {
	if _, ok := r.Logs.ReadExit(key, checkt); ok {
		return nil
	}
	// The service may or may not be reading the fifo; the cancel below is
	// what counts.
	r.Logs.WriteInput(key, checkt, StopSequence)
	id, err := r.Logs.ReadJobID(key, checkt)
	if err != nil {
		return err
	}
	return r.Jobs.Cancel(ctx, id)
}
