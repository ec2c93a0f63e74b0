package factory

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/services"
)

// Archive is an in-memory log archive. Get follows the offset and MaxRead
// rules of runlogs.Dir.ReadLog.
type Archive struct {
	mu   sync.Mutex
	runs map[string]archivedRun
	puts int
}

type archivedRun struct {
	data   string
	status models.JobStatus
}

var _ services.LogArchive = (*Archive)(nil)

func NewArchive() *Archive {
	return &Archive{runs: make(map[string]archivedRun)}
}

func (a *Archive) Put(ctx context.Context, key runlogs.Key, checkt int64, logPath string, status models.JobStatus) error {
	b, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[runName(key, checkt)] = archivedRun{data: string(b), status: status}
	a.puts++
	return nil
}

func (a *Archive) Get(ctx context.Context, key runlogs.Key, checkt int64, offset int64) (string, int64, models.JobStatus, error) {
	a.mu.Lock()
	run, ok := a.runs[runName(key, checkt)]
	a.mu.Unlock()
	if !ok {
		return "", offset, "", runlogs.ErrNoSuchLog
	}
	if offset < 0 {
		offset = 0
	}
	size := int64(len(run.data))
	if offset >= size {
		return "", offset, run.status, nil
	}
	end := offset + runlogs.MaxRead
	if end > size {
		end = size
	}
	return run.data[offset:end], end, run.status, nil
}

// Puts returns how many uploads the archive received.
func (a *Archive) Puts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.puts
}

// WaitForPuts waits up to timeout for at least n uploads, and reports
// whether they arrived.
func (a *Archive) WaitForPuts(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if a.Puts() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
