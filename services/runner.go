package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strconv"
	"time"

	"github.com/brown-padev/peteramati/backend"
	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/eval"
	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultStopWait bounds how long a stop request waits for the run to exit
// before answering.
const DefaultStopWait = 100 * time.Millisecond

const stopPollInterval = 10 * time.Millisecond

// How many later checkts Start tries when another run took the first one.
const startAttempts = 5

// CheckRecent asks for the newest run instead of a specific checkt.
const CheckRecent = "recent"

// Check is the run a request asks about: empty, CheckRecent or a checkt. It
// decodes from either a JSON string or a JSON number.
type Check string

func (c *Check) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Check(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Check(n.String())
	return nil
}

// A Request asks to start, poll or stop a run.
type Request struct {
	// Viewer is the authenticated user making the request.
	Viewer string `json:"-"`
	// User owns the repository to run against. Defaults to Viewer.
	User   string `json:"u"`
	Pset   string `json:"pset"`
	Runner string `json:"run"`
	Commit string `json:"commit"`
	// QueueID continues a request that was answered with onQueue.
	QueueID int64 `json:"queueid"`
	Check   Check `json:"check"`
	// Offset is how much of the run's output the caller already has.
	Offset int64 `json:"offset"`
	Stop   bool  `json:"stop"`
}

func (r *Request) target() string {
	if r.User == "" {
		return r.Viewer
	}
	return r.User
}

// Runner starts runs and reports on them.
type Runner struct {
	Config   *config.RunnersFile
	Queue    *Queue
	Logs     *runlogs.Dir
	Backends backend.Set
	Perms    Permissions
	Commits  CommitResolver
	// Recorder, if set, is told about every run that starts.
	Recorder RunRecorder
	// Archive, if set, receives the logs of finished runs and serves them
	// once the local log is gone.
	Archive  LogArchive
	Now      func() time.Time
	StopWait time.Duration
}

// NewRunner returns a Runner with the default permission policy and commit
// resolver.
func NewRunner(rf *config.RunnersFile, queue *Queue, logs *runlogs.Dir, backends backend.Set) *Runner {
	return &Runner{
		Config:   rf,
		Queue:    queue,
		Logs:     logs,
		Backends: backends,
		Perms:    StaffPolicy{Config: rf},
		Commits:  CheckoutResolver{Config: rf},
		Now:      time.Now,
		StopWait: DefaultStopWait,
	}
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Run handles one request. Every failure becomes an Answer with OK false.
func (r *Runner) Run(ctx context.Context, req *Request) *models.Answer {
	ctx, span := tracing.StartSpan(ctx, "runner.run",
		attribute.String("run.pset", req.Pset),
		attribute.String("run.runner", req.Runner),
		attribute.Int64("queue.id", req.QueueID))
	start := time.Now()
	a, err := r.run(ctx, req)
	tracing.End(span, err)
	go metrics.Time("run.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("run.error")
		return failure(err)
	}
	return a
}

func (r *Runner) run(ctx context.Context, req *Request) (*models.Answer, error) {
	rc, ok := r.Config.Runner(req.Pset, req.Runner)
	if !ok {
		return nil, &PermissionError{Msg: "No such command"}
	}
	target := req.target()
	repo, ok := r.Config.Repo(target)
	if !ok {
		return nil, &ConfigError{Msg: "No repository to run"}
	}
	key := runlogs.Key{RepoID: repo.ID, Pset: req.Pset, Runner: rc.Name}

	if req.Check != "" {
		if !r.Perms.CanViewRun(req.Viewer, req.Pset, rc, target) {
			return nil, r.denied(req.Viewer, rc)
		}
		checkt, err := r.resolveCheck(key, req.Check)
		if err != nil {
			return nil, err
		}
		// Only viewers who could run the command see its result.
		withResult := r.Perms.CanRun(req.Viewer, req.Pset, rc, target)
		if req.Stop {
			return r.Stop(ctx, rc, key, checkt, req.Offset, req.QueueID, withResult)
		}
		return r.Checkup(ctx, rc, key, checkt, req.Offset, req.QueueID, withResult)
	}

	if !r.Perms.CanRun(req.Viewer, req.Pset, rc, target) {
		return nil, r.denied(req.Viewer, rc)
	}
	if rc.EvalOnly() {
		return r.evalOnly(rc, key)
	}
	if checkt, running := r.recentRunning(ctx, rc, key); running {
		a := models.Failure(ErrRecentJobRunning.Error())
		a.RepoID, a.Pset, a.Checkt, a.Timestamp = repo.ID, req.Pset, checkt, checkt
		return a, nil
	}
	hash, err := r.Commits.ResolveCommit(ctx, target, req.Pset, req.Commit)
	if err != nil {
		return nil, err
	}

	var queueID int64
	if rc.Queue != "" {
		cfg, ok := r.Config.Queue(rc.Queue)
		if !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("Queue %q is not configured", rc.Queue)}
		}
		queueID = req.QueueID
		if queueID == 0 {
			qe, err := r.Queue.Enqueue(ctx, rc.Queue, repo.ID, req.Pset, hash, rc.NConcurrent)
			if err != nil {
				return nil, err
			}
			queueID = qe.ID
		}
		adm, err := r.Queue.Acquire(ctx, queueID, repo.ID, cfg)
		if err != nil {
			return nil, err
		}
		if !adm.Admitted {
			return &models.Answer{
				OK:         true,
				OnQueue:    true,
				QueueID:    queueID,
				AheadCount: adm.Entry.AheadCount,
				HeadAge:    adm.HeadAge,
				RepoID:     repo.ID,
				Pset:       req.Pset,
			}, nil
		}
	}
	return r.start(ctx, rc, key, repo, target, hash, queueID)
}

// denied picks the message for a refused request.
func (r *Runner) denied(viewer string, rc *config.Runner) error {
	switch {
	case rc.Disabled:
		return &PermissionError{Msg: "Command disabled"}
	case !rc.Visible && !r.Config.IsStaff(viewer):
		return &PermissionError{Msg: "Command reserved for TFs"}
	default:
		return &PermissionError{Msg: "You can’t run that command"}
	}
}

func (r *Runner) backendFor(rc *config.Runner) (backend.Backend, error) {
	b, ok := r.Backends.For(rc)
	if !ok {
		return nil, &ConfigError{Msg: fmt.Sprintf("No %s backend configured", rc.Backend)}
	}
	return b, nil
}

func (r *Runner) resolveCheck(key runlogs.Key, check Check) (int64, error) {
	if check == CheckRecent {
		checkt, err := r.Logs.Latest(key)
		if errors.Is(err, runlogs.ErrNoSuchLog) {
			return 0, ErrNoLogs
		}
		return checkt, err
	}
	checkt, err := strconv.ParseInt(string(check), 10, 64)
	if err != nil || checkt <= 0 {
		return 0, ErrNoSuchJob
	}
	return checkt, nil
}

// recentRunning reports whether the newest run for key is still working.
func (r *Runner) recentRunning(ctx context.Context, rc *config.Runner, key runlogs.Key) (int64, bool) {
	checkt, err := r.Logs.Latest(key)
	if err != nil {
		return 0, false
	}
	b, err := r.backendFor(rc)
	if err != nil {
		return 0, false
	}
	status, err := b.Poll(ctx, key, checkt)
	return checkt, err == nil && status == models.StatusWorking
}

func (r *Runner) evalOnly(rc *config.Runner, key runlogs.Key) (*models.Answer, error) {
	ev, err := eval.Lookup(rc.Evaluator)
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	checkt := r.now().Unix()
	a := &models.Answer{
		OK:        true,
		Done:      true,
		Status:    models.StatusDone,
		RepoID:    key.RepoID,
		Pset:      key.Pset,
		Checkt:    checkt,
		Timestamp: checkt,
	}
	result, err := ev.Evaluate("")
	if err != nil {
		log.Printf("evaluator %s failed for %s: %s", rc.Evaluator, key, err)
		a.Status = models.StatusError
		return a, nil
	}
	a.Result = result
	return a, nil
}

// start launches an admitted job. The checkt is the current time, moved past
// any run already logged for key.
func (r *Runner) start(ctx context.Context, rc *config.Runner, key runlogs.Key, repo *config.Repo, target string, hash string, queueID int64) (*models.Answer, error) {
	b, err := r.backendFor(rc)
	if err != nil {
		r.retire(ctx, queueID, repo.ID)
		return nil, err
	}
	now := r.now()
	checkt := now.Unix()
	if latest, err := r.Logs.Latest(key); err == nil && latest >= checkt {
		checkt = latest + 1
	}
	var h *backend.Handle
	for attempt := 1; ; attempt++ {
		paths, err := r.Logs.Paths(key, checkt)
		if err != nil {
			r.retire(ctx, queueID, repo.ID)
			return nil, err
		}
		h, err = b.Start(ctx, &backend.Job{
			Key:    key,
			Checkt: checkt,
			Paths:  paths,
			Runner: rc,
			Repo:   repo,
			User:   target,
			Commit: hash,
		})
		if err == nil {
			break
		}
		if errors.Is(err, fs.ErrExist) && attempt < startAttempts {
			checkt++
			continue
		}
		r.retire(ctx, queueID, repo.ID)
		return nil, err
	}
	if queueID != 0 {
		if err := r.Queue.Store.MarkRunning(ctx, queueID, now, h.LockFile, h.InputFifo); err != nil {
			log.Printf("Could not mark queue entry %d running: %s", queueID, err)
		}
	}
	if r.Recorder != nil {
		if err := r.Recorder.RecordLastRun(ctx, repo.ID, hash, rc.Category, checkt); err != nil {
			log.Printf("Could not record run %s/%d on %s: %s", key, checkt, hash, err)
		}
	}
	go metrics.Increment("run.started")
	go metrics.Increment(fmt.Sprintf("run.%s.started", rc.Category))
	return &models.Answer{
		OK:        true,
		Status:    models.StatusWorking,
		QueueID:   queueID,
		RepoID:    repo.ID,
		Pset:      key.Pset,
		Checkt:    checkt,
		Timestamp: checkt,
	}, nil
}

// retire removes a queue entry whose job will not run or has finished. A zero
// id is ignored.
func (r *Runner) retire(ctx context.Context, queueID int64, repoID int64) {
	if queueID == 0 {
		return
	}
	if _, err := r.Queue.Retire(ctx, queueID, repoID); err != nil {
		log.Printf("Could not retire queue entry %d: %s", queueID, err)
	}
}
