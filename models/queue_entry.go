package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

// QueueStatus is the coarse status of a QueueEntry. Fine-grained status lives
// in the job's run log.
type QueueStatus int

// StatusQueued indicates a QueueEntry is waiting to be admitted.
const StatusQueued = QueueStatus(0)

// StatusRunning indicates the entry's job has been started.
const StatusRunning = QueueStatus(1)

func (s QueueStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Scan implements the Scanner interface.
func (s *QueueStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case int64:
		*s = QueueStatus(v)
		return nil
	case int32:
		*s = QueueStatus(v)
		return nil
	}
	return fmt.Errorf("Unsupported QueueStatus: %#v", src)
}

func (s QueueStatus) Value() (driver.Value, error) {
	return int64(s), nil
}

// A QueueEntry is one row in the execution queue: a job that is waiting to
// run, or one that is running and hasn't been retired yet.
//
// Entries in the same QueueClass compete for the same admission ceiling and
// are admitted in ID order.
type QueueEntry struct {
	ID         int64       `json:"queueid"`
	QueueClass string      `json:"queueclass"`
	RepoID     int64       `json:"repoid"`
	PsetID     string      `json:"pset"`
	CommitHash string      `json:"hash"`
	InsertedAt time.Time   `json:"inserted_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	RunAt      time.Time   `json:"run_at"` // zero until execution starts
	Status     QueueStatus `json:"status"`

	// NConcurrent overrides the concurrency ceiling of the class for this
	// job, and for every job behind it in the same class.
	NConcurrent null.Int    `json:"nconcurrent"`
	LockFile    null.String `json:"lockfile"`
	InputFifo   null.String `json:"inputfifo"`

	// The fields below are derived by queue_entries.Load and are not stored.

	// AheadCount is the number of entries in the same class with a smaller
	// ID.
	AheadCount int64 `json:"nahead"`
	// AheadConcurrency is the smallest NConcurrent override among the
	// entries ahead. Invalid if none of them has an override.
	AheadConcurrency null.Int `json:"ahead_nconcurrent"`
	// HeadRunAt is the earliest run time among started entries ahead. Zero
	// if none of them has started.
	HeadRunAt time.Time `json:"head_run_at"`
}

// Started reports whether the entry's job has begun executing.
func (e *QueueEntry) Started() bool {
	return !e.RunAt.IsZero()
}
