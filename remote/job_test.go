package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/test"
)

var ctx = context.Background()

var sampleRequest = &JobRequest{
	JobID:     "1500000000",
	PsetName:  "pset1",
	TestName:  "grade",
	CommitID:  "6740b44e",
	StudentID: "alice",
	LogFile:   "/tmp/1500000000.log",
	PidFile:   "/tmp/1500000000.pid",
	InputFifo: "/tmp/1500000000.in",
}

func serve(t *testing.T, code int, body string) (*Client, *httptest.Server) {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return NewClient("token", s.URL), s
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	var got JobRequest
	var auth, requestID, path string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		requestID = r.Header.Get("X-Request-Id")
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"jobID": "abc"}`))
	}))
	defer s.Close()
	c := NewClient("token", s.URL)
	id, err := c.Jobs.Submit(ctx, sampleRequest)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, id, "abc")
	test.AssertEquals(t, got, *sampleRequest)
	test.AssertEquals(t, auth, "Bearer token")
	test.AssertEquals(t, path, "/jobs")
	test.AssertEquals(t, len(requestID), 36)
}

func TestSubmitNestedJobID(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 200, `{"data": {"jobID": "nested"}}`)
	id, err := c.Jobs.Submit(ctx, sampleRequest)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, id, "nested")
}

func TestSubmitServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 500, `{"jobID": "should-not-be-used"}`)
	id, err := c.Jobs.Submit(ctx, sampleRequest)
	test.AssertEquals(t, id, "")
	var uerr *UnavailableError
	test.Assert(t, errors.As(err, &uerr), "expected an UnavailableError")
	test.AssertEquals(t, uerr.StatusCode, 500)
	test.AssertEquals(t, uerr.Op, "submit")
	test.AssertContains(t, uerr.Body, "should-not-be-used")
}

func TestSubmitRequires200(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 202, `{"jobID": "abc"}`)
	_, err := c.Jobs.Submit(ctx, sampleRequest)
	var uerr *UnavailableError
	test.Assert(t, errors.As(err, &uerr), "a 202 is not a submit success")
	test.AssertEquals(t, uerr.StatusCode, 202)
}

func TestSubmitMalformedBodies(t *testing.T) {
	t.Parallel()
	for _, body := range []string{`not json`, `{}`, `{"jobID": ""}`, `[]`, `{"jobID": 7}`} {
		c, _ := serve(t, 200, body)
		id, err := c.Jobs.Submit(ctx, sampleRequest)
		test.AssertEquals(t, id, "")
		var uerr *UnavailableError
		test.Assert(t, errors.As(err, &uerr), "expected an UnavailableError for "+body)
	}
}

func TestSubmitNetworkError(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.NotFoundHandler())
	url := s.URL
	s.Close()
	c := NewClient("", url)
	_, err := c.Jobs.Submit(ctx, sampleRequest)
	var uerr *UnavailableError
	test.Assert(t, errors.As(err, &uerr), "expected an UnavailableError")
	test.AssertEquals(t, uerr.StatusCode, 0)
	test.Assert(t, uerr.Err != nil, "expected the network error to be kept")
}

func TestSubmitNoWait(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 202, ``)
	test.AssertNotError(t, c.Jobs.SubmitNoWait(ctx, sampleRequest), "")
	c, _ = serve(t, 503, `down`)
	test.AssertError(t, c.Jobs.SubmitNoWait(ctx, sampleRequest), "")
}

func TestStatusTokens(t *testing.T) {
	t.Parallel()
	cases := map[string]models.JobStatus{
		"queued":    models.StatusWorking,
		"running":   models.StatusWorking,
		"weird":     models.StatusWorking,
		"success":   models.StatusDone,
		"Succeeded": models.StatusDone,
		"failed":    models.StatusError,
		"cancelled": models.StatusError,
		"timeout":   models.StatusError,
	}
	for token, want := range cases {
		s := &Status{Status: token}
		test.AssertEquals(t, s.State(), want)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	var path string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"status": "running"}`))
	}))
	defer s.Close()
	c := NewClient("", s.URL)
	st, err := c.Jobs.Status(ctx, "abc")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, path, "/jobs/abc")
	test.AssertEquals(t, st.JobID, "abc")
	test.AssertEquals(t, st.State(), models.StatusWorking)
}

func TestStatusNestedInData(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 200, `{"data": {"jobID": "nested", "status": "completed"}}`)
	st, err := c.Jobs.Status(ctx, "nested")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, st.JobID, "nested")
	test.AssertEquals(t, st.State(), models.StatusDone)

	c, _ = serve(t, 200, `{"data": {"jobID": "nested"}}`)
	_, err = c.Jobs.Status(ctx, "nested")
	var uerr *UnavailableError
	test.Assert(t, errors.As(err, &uerr), "an envelope without a status is still an error")
}

func TestStatusWithoutStatusFieldIsAnError(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 200, `{"jobID": "abc"}`)
	_, err := c.Jobs.Status(ctx, "abc")
	var uerr *UnavailableError
	test.Assert(t, errors.As(err, &uerr), "missing status must not read as working")
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	for _, code := range []int{200, 204, 404, 410} {
		c, _ := serve(t, code, ``)
		test.AssertNotError(t, c.Jobs.Cancel(ctx, "abc"), "")
	}
	c, _ := serve(t, 500, `boom`)
	test.AssertError(t, c.Jobs.Cancel(ctx, "abc"), "")
}

func TestAwaitCompletion(t *testing.T) {
	t.Parallel()
	var calls int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Write([]byte(`{"status": "running"}`))
			return
		}
		w.Write([]byte(`{"status": "success"}`))
	}))
	defer s.Close()
	c := NewClient("", s.URL)
	st, err := c.Jobs.AwaitCompletion(ctx, "abc", time.Millisecond)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, st.State(), models.StatusDone)
	test.AssertEquals(t, atomic.LoadInt32(&calls), int32(3))
}

func TestAwaitCompletionHonorsContext(t *testing.T) {
	t.Parallel()
	c, _ := serve(t, 200, `{"status": "running"}`)
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := c.Jobs.AwaitCompletion(cctx, "abc", 5*time.Millisecond)
	test.AssertError(t, err, "")
}
