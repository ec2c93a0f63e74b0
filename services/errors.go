package services

import (
	"errors"
	"fmt"
	"log"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/remote"
	"github.com/brown-padev/peteramati/runlogs"
)

// ErrQueuedJobCancelled is returned when a caller polls a queue entry that no
// longer exists. The caller should start over without a queue id.
var ErrQueuedJobCancelled = errors.New("Queued job was cancelled, try again")

// ErrQueueMismatch is returned when a queue entry belongs to a different
// repository than the caller's.
var ErrQueueMismatch = errors.New("Queued job belongs to a different repository")

// ErrNoLogs is returned when the most recent run is requested and nothing has
// ever run.
var ErrNoLogs = errors.New("no logs yet")

// ErrNoSuchJob is returned when a checkup names a run that does not exist.
var ErrNoSuchJob = runlogs.ErrNoSuchLog

// ErrRecentJobRunning is returned instead of starting a duplicate run.
var ErrRecentJobRunning = errors.New("recent job still running")

// ErrNoCommit is returned by CommitResolvers when there is nothing to run.
var ErrNoCommit = errors.New("No commit to run")

// A ConfigError means required configuration is missing. It is not retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// A PermissionError means the caller may not run or view the job.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string {
	return e.Msg
}

// failure converts err into the answer shown to the caller.
func failure(err error) *models.Answer {
	var rerr *remote.UnavailableError
	switch {
	case errors.As(err, &rerr):
		log.Printf("execution service unavailable: %v", err)
		return models.Failure("Can’t run command right now")
	case errors.Is(err, ErrNoSuchJob):
		return models.Failure(ErrNoSuchJob.Error())
	}
	var cerr *ConfigError
	var perr *PermissionError
	if errors.As(err, &cerr) || errors.As(err, &perr) {
		return models.Failure(err.Error())
	}
	for _, known := range []error{ErrQueuedJobCancelled, ErrQueueMismatch, ErrNoLogs, ErrRecentJobRunning, ErrNoCommit} {
		if errors.Is(err, known) {
			return models.Failure(known.Error())
		}
	}
	log.Printf("run failed: %v", err)
	return models.Failure(fmt.Sprintf("Internal error: %v", err))
}
