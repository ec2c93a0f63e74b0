package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/eval"
	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ArchiveTimeout bounds a single upload to the log archive.
var ArchiveTimeout = time.Minute

// Checkup reports the status of the run at checkt and the output after
// offset. Once the run has finished and the caller has all of its output,
// the caller's queue entry, if any, is retired and, when withResult is set,
// the evaluator's result is attached. Retiring is idempotent, so concurrent
// or repeated checkups of a finished run are harmless.
func (r *Runner) Checkup(ctx context.Context, rc *config.Runner, key runlogs.Key, checkt int64, offset int64, queueID int64, withResult bool) (a *models.Answer, err error) {
	ctx, span := tracing.StartSpan(ctx, "runner.checkup", attribute.Int64("run.checkt", checkt))
	defer func() { tracing.End(span, err) }()

	b, err := r.backendFor(rc)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	var rec *models.JobRecord
	archived := false
	// The status is read before the output, so nothing written before the
	// run finished is missed.
	status, err := b.Poll(ctx, key, checkt)
	if err == nil {
		var data string
		var next int64
		data, next, err = r.Logs.ReadLog(key, checkt, offset)
		rec = &models.JobRecord{Checkt: checkt, Status: status, Data: data, Offset: next}
	}
	if errors.Is(err, runlogs.ErrNoSuchLog) {
		rec, err = r.fromArchive(ctx, key, checkt, offset)
		archived = true
	}
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() && r.moreOutput(ctx, key, checkt, rec, archived) {
		// Finished, but this answer stops short of the end of the log.
		rec.Status = models.StatusWorking
	}

	if rec.Status.Terminal() {
		r.retire(ctx, queueID, key.RepoID)
		if withResult && rec.Status == models.StatusDone && rc.Evaluator != "" {
			rec.Result = r.evaluate(ctx, rc, key, checkt, archived)
		}
		if !archived {
			r.archiveOnce(key, checkt, rec.Status)
		}
	}
	a = models.FromRecord(rec)
	a.RepoID = key.RepoID
	a.Pset = key.Pset
	a.QueueID = queueID
	return a, nil
}

// Stop asks the run to stop, gives it a moment to exit, and then answers like
// Checkup. Stopping is advisory; the answer may still say working.
func (r *Runner) Stop(ctx context.Context, rc *config.Runner, key runlogs.Key, checkt int64, offset int64, queueID int64, withResult bool) (*models.Answer, error) {
	b, err := r.backendFor(rc)
	if err != nil {
		return nil, err
	}
	if err := b.Stop(ctx, key, checkt); err != nil {
		if errors.Is(err, runlogs.ErrNoSuchLog) {
			return nil, ErrNoSuchJob
		}
		log.Printf("Could not stop run %s/%d: %s", key, checkt, err)
	}
	go metrics.Increment("run.stop")
	wait := r.StopWait
	if wait <= 0 {
		wait = DefaultStopWait
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		status, err := b.Poll(ctx, key, checkt)
		if err != nil || status.Terminal() {
			break
		}
		time.Sleep(stopPollInterval)
	}
	return r.Checkup(ctx, rc, key, checkt, offset, queueID, withResult)
}

func (r *Runner) fromArchive(ctx context.Context, key runlogs.Key, checkt int64, offset int64) (*models.JobRecord, error) {
	if r.Archive == nil {
		return nil, ErrNoSuchJob
	}
	data, next, status, err := r.Archive.Get(ctx, key, checkt, offset)
	if err != nil {
		return nil, err
	}
	return &models.JobRecord{Checkt: checkt, Status: status, Data: data, Offset: next}, nil
}

// moreOutput reports whether the run wrote past the end of rec. A read
// shorter than runlogs.MaxRead always reaches the end.
func (r *Runner) moreOutput(ctx context.Context, key runlogs.Key, checkt int64, rec *models.JobRecord, archived bool) bool {
	if int64(len(rec.Data)) < runlogs.MaxRead {
		return false
	}
	if archived {
		rest, err := r.fromArchive(ctx, key, checkt, rec.Offset)
		return err == nil && rest.Data != ""
	}
	size, err := r.Logs.LogSize(key, checkt)
	return err == nil && rec.Offset < size
}

// output returns everything the run wrote.
func (r *Runner) output(ctx context.Context, key runlogs.Key, checkt int64, archived bool) (string, error) {
	var sb strings.Builder
	offset := int64(0)
	for {
		var data string
		var next int64
		var err error
		if archived {
			var rec *models.JobRecord
			rec, err = r.fromArchive(ctx, key, checkt, offset)
			if rec != nil {
				data, next = rec.Data, rec.Offset
			}
		} else {
			data, next, err = r.Logs.ReadLog(key, checkt, offset)
		}
		if err != nil {
			return "", err
		}
		if data == "" {
			return sb.String(), nil
		}
		sb.WriteString(data)
		offset = next
	}
}

// evaluate runs the runner's evaluator over the run's output. A failing
// evaluator leaves the result out.
func (r *Runner) evaluate(ctx context.Context, rc *config.Runner, key runlogs.Key, checkt int64, archived bool) []byte {
	ev, err := eval.Lookup(rc.Evaluator)
	if err != nil {
		log.Printf("run %s/%d: %s", key, checkt, err)
		return nil
	}
	out, err := r.output(ctx, key, checkt, archived)
	if err != nil {
		log.Printf("run %s/%d: reading output: %s", key, checkt, err)
		return nil
	}
	result, err := ev.Evaluate(out)
	if err != nil {
		log.Printf("run %s/%d: evaluator %s: %s", key, checkt, rc.Evaluator, err)
		go metrics.Increment("eval.error")
		return nil
	}
	return result
}

// archiveOnce uploads the log of a finished run the first time anybody sees
// it finish.
func (r *Runner) archiveOnce(key runlogs.Key, checkt int64, status models.JobStatus) {
	if r.Archive == nil {
		return
	}
	first, err := r.Logs.MarkArchived(key, checkt)
	if err != nil || !first {
		if err != nil {
			log.Printf("run %s/%d: marking archived: %s", key, checkt, err)
		}
		return
	}
	p, err := r.Logs.Paths(key, checkt)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ArchiveTimeout)
		defer cancel()
		if err := r.Archive.Put(ctx, key, checkt, p.Log, status); err != nil {
			log.Printf("run %s/%d: archiving: %s", key, checkt, err)
			go metrics.Increment("archive.error")
			return
		}
		go metrics.Increment("archive.success")
	}()
}
