// Package factory contains helpers for instantiating tests.
package factory

import (
	"context"
	"testing"
	"time"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/models/queue_entries"
	"github.com/brown-padev/peteramati/test"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

// SampleHash is a well formed commit hash.
const SampleHash = "6740b44e13b9475daf06979627e0e0d6a1b2c3d4"

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) string {
	return prefix + uuid.NewString()
}

// RandomClass returns a queue class no other test uses, so tests that count
// entries ahead can run in parallel against the same table.
func RandomClass() string {
	return RandomId("class_")
}

// CreateQueueEntry enqueues an entry in class for repo 1 and returns it.
func CreateQueueEntry(t testing.TB, class string) *models.QueueEntry {
	t.Helper()
	return CreateQueueEntryFor(t, class, 1, 0)
}

// CreateQueueEntryFor enqueues an entry in class for repoID with the given
// concurrency override (0 for none).
func CreateQueueEntryFor(t testing.TB, class string, repoID int64, nconcurrent int64) *models.QueueEntry {
	t.Helper()
	test.SetUp(t)
	qe, err := queue_entries.Default.Enqueue(context.Background(), &models.QueueEntry{
		QueueClass:  class,
		RepoID:      repoID,
		PsetID:      "pset1",
		CommitHash:  SampleHash,
		InsertedAt:  time.Now(),
		NConcurrent: null.NewInt(nconcurrent, nconcurrent > 0),
	})
	test.AssertNotError(t, err, "enqueueing")
	return qe
}

// StartQueueEntry marks the entry running as of runAt.
func StartQueueEntry(t testing.TB, id int64, runAt time.Time, lockFile string) {
	t.Helper()
	err := queue_entries.Default.MarkRunning(context.Background(), id, runAt, lockFile, "")
	test.AssertNotError(t, err, "marking running")
}
