// Mediation layer between the server and the queue and run stores.
//
// Logic that's not related to validating request input/turning errors into
// HTTP responses should go here.
package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/models/queue_entries"
	"github.com/brown-padev/peteramati/tracing"
	"github.com/guregu/null/v6"
	"go.opentelemetry.io/otel/attribute"
)

// QueueStore holds queue entries. Implementations must assign strictly
// increasing ids and return queue_entries.ErrNotFound for missing entries.
// *queue_entries.Store is the usual implementation.
type QueueStore interface {
	Enqueue(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, error)
	Touch(ctx context.Context, id int64, now time.Time) error
	Load(ctx context.Context, id int64) (*models.QueueEntry, error)
	ListAhead(ctx context.Context, queueClass string, beforeID int64) ([]*models.QueueEntry, error)
	MarkRunning(ctx context.Context, id int64, runAt time.Time, lockFile, inputFifo string) error
	Delete(ctx context.Context, id int64) (bool, error)
	Retire(ctx context.Context, id int64, repoID int64) (bool, error)
}

// AbandonAfter is how long a queued entry may go without a touch before the
// reaper assumes its caller went away.
const AbandonAfter = 30 * time.Second

// Queue decides when queued jobs may start.
type Queue struct {
	Store QueueStore
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewQueue returns a Queue backed by store.
func NewQueue(store QueueStore) *Queue {
	return &Queue{Store: store, Now: time.Now}
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

// Enqueue adds a job to the end of queueClass. nconcurrent <= 0 means the job
// does not override the class ceiling.
func (q *Queue) Enqueue(ctx context.Context, queueClass string, repoID int64, pset string, hash string, nconcurrent int) (*models.QueueEntry, error) {
	start := time.Now()
	qe, err := q.Store.Enqueue(ctx, &models.QueueEntry{
		QueueClass:  queueClass,
		RepoID:      repoID,
		PsetID:      pset,
		CommitHash:  hash,
		InsertedAt:  q.now(),
		NConcurrent: null.NewInt(int64(nconcurrent), nconcurrent > 0),
	})
	go metrics.Time("enqueue.latency", time.Since(start))
	if err == nil {
		go metrics.Increment("enqueue.success")
	}
	return qe, err
}

// Touch records that the entry's caller is still waiting.
func (q *Queue) Touch(ctx context.Context, id int64) error {
	return q.Store.Touch(ctx, id, q.now())
}

// Load returns the entry with its ahead count and concurrency floor.
func (q *Queue) Load(ctx context.Context, id int64, repoID int64) (*models.QueueEntry, error) {
	qe, err := q.Store.Load(ctx, id)
	if errors.Is(err, queue_entries.ErrNotFound) {
		return nil, ErrQueuedJobCancelled
	}
	if err != nil {
		return nil, err
	}
	if qe.RepoID != repoID {
		return nil, ErrQueueMismatch
	}
	return qe, nil
}

// Admit reports whether the entry may start. The ceiling is the smallest of
// the class's nconcurrent, the entry's own override and the tightest override
// among entries ahead of it, ignoring any that are unset or not positive.
// With no ceiling at all every entry is admitted.
func Admit(qe *models.QueueEntry, cfg *config.QueueConfig) bool {
	ceiling := int64(0)
	lower := func(n int64) {
		if n > 0 && (ceiling == 0 || n < ceiling) {
			ceiling = n
		}
	}
	if cfg != nil {
		lower(int64(cfg.NConcurrent))
	}
	if qe.NConcurrent.Valid {
		lower(qe.NConcurrent.Int64)
	}
	if qe.AheadConcurrency.Valid {
		lower(qe.AheadConcurrency.Int64)
	}
	return ceiling == 0 || qe.AheadCount < ceiling
}

// An Admission is the outcome of Acquire.
type Admission struct {
	Entry    *models.QueueEntry
	Admitted bool
	// HeadAge is how long the oldest running entry of the class has been
	// running, or nil if none has started.
	HeadAge *int64
}

// Acquire loads the entry and tests it for admission. If it is not admitted,
// dead entries ahead of it are reaped and the test is repeated once. An entry
// that still has to wait is touched so the reaper leaves it alone.
func (q *Queue) Acquire(ctx context.Context, id int64, repoID int64, cfg *config.QueueConfig) (adm *Admission, err error) {
	ctx, span := tracing.StartSpan(ctx, "queue.acquire", attribute.Int64("queue.id", id))
	defer func() { tracing.End(span, err) }()

	qe, err := q.Load(ctx, id, repoID)
	if err != nil {
		return nil, err
	}
	if Admit(qe, cfg) {
		go metrics.Increment("acquire.admitted")
		return &Admission{Entry: qe, Admitted: true}, nil
	}
	if _, err := q.Reap(ctx, qe.QueueClass, cfg, qe.ID); err != nil {
		log.Printf("Error reaping queue %s: %s", qe.QueueClass, err)
	}
	qe, err = q.Load(ctx, id, repoID)
	if err != nil {
		return nil, err
	}
	if Admit(qe, cfg) {
		go metrics.Increment("acquire.admitted_after_reap")
		return &Admission{Entry: qe, Admitted: true}, nil
	}
	if err := q.Touch(ctx, qe.ID); err != nil {
		log.Printf("Error touching queue entry %d: %s", qe.ID, err)
	}
	adm = &Admission{Entry: qe}
	if !qe.HeadRunAt.IsZero() {
		age := int64(q.now().Sub(qe.HeadRunAt) / time.Second)
		adm.HeadAge = &age
	}
	span.SetAttributes(attribute.Int64("queue.ahead", qe.AheadCount))
	go metrics.Increment("acquire.waiting")
	return adm, nil
}

// Retire removes the entry of a finished job. It may be called any number of
// times; the result reports whether this call removed it.
func (q *Queue) Retire(ctx context.Context, id int64, repoID int64) (bool, error) {
	start := time.Now()
	removed, err := q.Store.Retire(ctx, id, repoID)
	go metrics.Time("queue_entry.retire.latency", time.Since(start))
	if removed {
		go metrics.Increment("queue_entry.retired")
	}
	return removed, err
}
