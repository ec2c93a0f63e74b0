package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/remote"
	"github.com/brown-padev/peteramati/remote/remotetest"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/test"
)

func newRemote(t *testing.T) (*Remote, *remotetest.Server, *runlogs.Dir) {
	t.Helper()
	fake := remotetest.NewServer()
	s := httptest.NewServer(fake)
	t.Cleanup(s.Close)
	logs := runlogs.New(t.TempDir())
	return NewRemote(logs, remote.NewClient("", s.URL).Jobs, "tok"), fake, logs
}

func TestRemoteLifecycle(t *testing.T) {
	t.Parallel()
	r, fake, logs := newRemote(t)
	job := newJob(t, logs, 100, "make", "grade")
	job.Repo.Owner = "cs"
	job.Repo.Name = "alice-pset1"
	h, err := r.Start(ctx, job)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, h.LockFile, job.Paths.Lock)

	test.AssertEquals(t, len(fake.Submitted()), 1)
	jr := fake.Submitted()[0]
	test.AssertEquals(t, jr.JobID, "100")
	test.AssertEquals(t, jr.TestName, "make")
	test.AssertEquals(t, jr.RepoOwner, "cs")
	test.AssertEquals(t, jr.RepoName, "alice-pset1")
	test.AssertEquals(t, jr.StudentID, "alice")
	test.AssertEquals(t, jr.AccessToken, "tok")
	test.AssertEquals(t, jr.LogFile, job.Paths.Log)
	test.AssertEquals(t, jr.PidFile, job.Paths.Lock)

	state, _ := runlogs.ReadLock(job.Paths.Lock)
	test.AssertEquals(t, state, runlogs.LockUnknown)

	s, err := r.Poll(ctx, key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, s, models.StatusWorking)

	fake.Finish(fake.LastJobID(), "success")
	s, err = r.Poll(ctx, key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, s, models.StatusDone)
	state, _ = runlogs.ReadLock(job.Paths.Lock)
	test.AssertEquals(t, state, runlogs.LockExited)

	// The terminal status is cached.
	fake.Finish(fake.LastJobID(), "failed")
	s, err = r.Poll(ctx, key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, s, models.StatusDone)
}

func TestRemoteStop(t *testing.T) {
	t.Parallel()
	r, fake, logs := newRemote(t)
	_, err := r.Start(ctx, newJob(t, logs, 100, "make"))
	test.AssertNotError(t, err, "")
	test.AssertNotError(t, r.Stop(ctx, key, 100), "")
	test.AssertEquals(t, len(fake.Cancelled()), 1)
	s, err := r.Poll(ctx, key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, s, models.StatusError)
	test.AssertNotError(t, r.Stop(ctx, key, 100), "")
	test.AssertEquals(t, len(fake.Cancelled()), 1)
}

func TestRemoteSubmitFailure(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer s.Close()
	logs := runlogs.New(t.TempDir())
	r := NewRemote(logs, remote.NewClient("", s.URL).Jobs, "")
	job := newJob(t, logs, 100, "make")
	job.Runner = &config.Runner{Name: "make", Command: []string{"make"}, Backend: config.BackendRemote}
	_, err := r.Start(ctx, job)
	test.AssertError(t, err, "")
	st, err := r.Poll(ctx, key, 100)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, st, models.StatusError)
	state, _ := runlogs.ReadLock(job.Paths.Lock)
	test.AssertEquals(t, state, runlogs.LockExited)
}
