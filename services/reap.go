package services

import (
	"context"
	"log"
	"math"
	"os"
	"time"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
)

// deadReason returns why the entry's job is presumed dead, or "" if it may
// still be alive. A lock file that is neither missing nor "0\n" proves
// nothing, so such entries are left to the run timeout.
func deadReason(qe *models.QueueEntry, timeout time.Duration, now time.Time) string {
	if qe.LockFile.Valid && qe.LockFile.String != "" {
		state, _ := runlogs.ReadLock(qe.LockFile.String)
		switch state {
		case runlogs.LockExited:
			return "exited"
		case runlogs.LockMissing:
			return "lock file gone"
		}
	}
	if !qe.Started() {
		if now.Sub(qe.UpdatedAt) > AbandonAfter {
			return "abandoned"
		}
		return ""
	}
	if timeout > 0 && now.Sub(qe.RunAt) > timeout {
		return "timed out"
	}
	return ""
}

var reapMetrics = map[string]string{
	"exited":         "reap.exited",
	"lock file gone": "reap.lock_missing",
	"abandoned":      "reap.abandoned",
	"timed out":      "reap.timeout",
}

// reapMetric names the meter counting entries reaped for reason.
func reapMetric(reason string) string {
	if m, ok := reapMetrics[reason]; ok {
		return m
	}
	return "reap.other"
}

// removeWorkerFiles unlinks the lock file and input fifo of an exited job.
// Failures are logged; they never keep the entry alive.
func removeWorkerFiles(qe *models.QueueEntry) {
	for _, path := range []string{qe.LockFile.String, qe.InputFifo.String} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Could not remove %s for queue entry %d: %s", path, qe.ID, err)
		}
	}
}

// Reap deletes the entries in queueClass with an id below beforeID whose jobs
// are dead, and returns how many it deleted.
func (q *Queue) Reap(ctx context.Context, queueClass string, cfg *config.QueueConfig, beforeID int64) (int, error) {
	entries, err := q.Store.ListAhead(ctx, queueClass, beforeID)
	if err != nil {
		return 0, err
	}
	now := q.now()
	timeout := cfg.Timeout()
	reaped := 0
	for _, qe := range entries {
		reason := deadReason(qe, timeout, now)
		if reason == "" {
			continue
		}
		if reason == "exited" {
			removeWorkerFiles(qe)
		}
		removed, err := q.Store.Delete(ctx, qe.ID)
		if err != nil {
			// Another poller may get it next time.
			log.Printf("Found dead queue entry %d (%s) but could not delete it: %s", qe.ID, reason, err)
			continue
		}
		if removed {
			reaped++
			log.Printf("Reaped queue entry %d in %s: %s", qe.ID, queueClass, reason)
			go metrics.Increment(reapMetric(reason))
		}
	}
	return reaped, nil
}

// ReapAll reaps every queue class named in rf.
func (q *Queue) ReapAll(ctx context.Context, rf *config.RunnersFile) error {
	for name, cfg := range rf.Queues {
		if _, err := q.Reap(ctx, name, cfg, math.MaxInt64); err != nil {
			return err
		}
	}
	return nil
}

// WatchDeadEntries reaps every configured queue class once per interval.
// Admission reaps on its own, so this only matters for classes nobody is
// waiting in.
func (q *Queue) WatchDeadEntries(interval time.Duration, rf *config.RunnersFile) {
	for range time.Tick(interval) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := q.ReapAll(ctx, rf); err != nil {
				log.Printf("Error reaping dead queue entries: %s\n", err.Error())
			}
		}()
	}
}
