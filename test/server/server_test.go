package servertest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brown-padev/peteramati/backend"
	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/models/commit_runs"
	"github.com/brown-padev/peteramati/models/queue_entries"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/server"
	"github.com/brown-padev/peteramati/services"
	"github.com/brown-padev/peteramati/test"
	"github.com/brown-padev/peteramati/test/factory"
)

var testPassword = "XmTGoDTRyVd8HHiuzFtPzF8N&or7ETPaPVvWuR;d"

func init() {
	for _, user := range []string{factory.Student, factory.Other, factory.TA} {
		server.DefaultAuthorizer.AddUser(user, testPassword)
	}
}

type env struct {
	rf      *config.RunnersFile
	fake    *factory.Backend
	handler http.Handler
}

func newEnv(t testing.TB, nconcurrent int) *env {
	test.SetUp(t)
	rf := factory.RunnersFile(factory.RandomClass(), nconcurrent)
	logs := runlogs.New(t.TempDir())
	fake := factory.NewBackend(logs)
	runner := services.NewRunner(rf, services.NewQueue(queue_entries.Default), logs, backend.Set{config.BackendLocal: fake})
	runner.Recorder = services.RecordFunc(commit_runs.Default.Record)
	s := &server.Server{
		Runner:     runner,
		Queues:     queue_entries.Default,
		Commits:    commit_runs.Default,
		Authorizer: server.DefaultAuthorizer,
	}
	return &env{rf: rf, fake: fake, handler: s.Handler()}
}

func (e *env) do(t testing.TB, user string, body interface{}) *models.Answer {
	buf := new(bytes.Buffer)
	json.NewEncoder(buf).Encode(body)
	req := httptest.NewRequest("POST", "/v1/run", buf)
	req.SetBasicAuth(user, testPassword)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /v1/run: %d %s", w.Code, w.Body.String())
	}
	a := new(models.Answer)
	if err := json.Unmarshal(w.Body.Bytes(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func (e *env) get(t testing.TB, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.SetBasicAuth(factory.TA, testPassword)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestAll(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	t.Run("Parallel", func(t *testing.T) {
		t.Run("TestQueuedRunLifecycle", testQueuedRunLifecycle)
		t.Run("TestWrongPasswordIs403", testWrongPasswordIs403)
	})
}

func testQueuedRunLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	start := map[string]interface{}{"pset": factory.Pset, "run": "check", "commit": factory.SampleHash}

	first := e.do(t, factory.Student, start)
	test.Assert(t, first.OK, first.Error)
	test.AssertEquals(t, first.Status, models.StatusWorking)

	waiting := e.do(t, factory.Other, start)
	test.Assert(t, waiting.OnQueue, "second run waits")
	test.AssertEquals(t, waiting.AheadCount, int64(1))

	rc, _ := e.rf.Runner(factory.Pset, "check")
	w := e.get(t, "/v1/queues")
	test.AssertEquals(t, w.Code, 200)
	var counts map[string]int64
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &counts), "")
	test.AssertEquals(t, counts[rc.Queue], int64(2))

	repo, _ := e.rf.Repo(factory.Student)
	key := runlogs.Key{RepoID: repo.ID, Pset: factory.Pset, Runner: "check"}
	test.AssertNotError(t, e.fake.Write(key, first.Checkt, "ok\n"), "")
	test.AssertNotError(t, e.fake.Finish(key, first.Checkt, models.StatusDone), "")
	done := e.do(t, factory.Student, map[string]interface{}{
		"pset": factory.Pset, "run": "check", "check": first.Checkt, "queueid": first.QueueID,
	})
	test.Assert(t, done.Done, "")
	test.AssertEquals(t, done.Data, "ok\n")
	test.AssertEquals(t, done.Offset, int64(3))

	start["queueid"] = waiting.QueueID
	second := e.do(t, factory.Other, start)
	test.Assert(t, second.OK, second.Error)
	test.AssertEquals(t, second.Status, models.StatusWorking)

	w = e.get(t, fmt.Sprintf("/v1/repos/%d/commits/%s/runs", repo.ID, factory.SampleHash))
	test.AssertEquals(t, w.Code, 200)
	var runs map[string]int64
	test.AssertNotError(t, json.Unmarshal(w.Body.Bytes(), &runs), "")
	test.AssertEquals(t, runs["check"], first.Checkt)
}

func testWrongPasswordIs403(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	req := httptest.NewRequest("POST", "/v1/run", bytes.NewReader([]byte(`{}`)))
	req.SetBasicAuth(factory.Student, "wrong")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	test.AssertEquals(t, w.Code, http.StatusForbidden)
}
