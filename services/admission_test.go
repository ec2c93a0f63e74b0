package services

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/test"
	"github.com/guregu/null/v6"
)

func entry(ahead int64, own int64, floor int64) *models.QueueEntry {
	return &models.QueueEntry{
		AheadCount:       ahead,
		NConcurrent:      null.NewInt(own, own > 0),
		AheadConcurrency: null.NewInt(floor, floor > 0),
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		qe    *models.QueueEntry
		cfg   *config.QueueConfig
		admit bool
	}{
		{"unlimited", entry(50, 0, 0), &config.QueueConfig{}, true},
		{"no class config", entry(50, 0, 0), nil, true},
		{"under ceiling", entry(1, 0, 0), &config.QueueConfig{NConcurrent: 2}, true},
		{"at ceiling", entry(1, 0, 0), &config.QueueConfig{NConcurrent: 1}, false},
		{"head always admitted", entry(0, 0, 0), &config.QueueConfig{NConcurrent: 1}, true},
		{"own override lowers", entry(2, 2, 0), &config.QueueConfig{NConcurrent: 5}, false},
		{"own override does not raise", entry(2, 10, 0), &config.QueueConfig{NConcurrent: 2}, false},
		{"own override on unlimited class", entry(3, 3, 0), &config.QueueConfig{}, false},
		{"floor ahead lowers", entry(1, 0, 1), &config.QueueConfig{NConcurrent: 5}, false},
		{"floor ahead on unlimited class", entry(1, 0, 2), nil, true},
		{"floor ahead does not raise", entry(3, 0, 8), &config.QueueConfig{NConcurrent: 3}, false},
	}
	for _, tt := range tests {
		if got := Admit(tt.qe, tt.cfg); got != tt.admit {
			t.Errorf("%s: Admit: got %t, want %t", tt.name, got, tt.admit)
		}
	}
}

func TestAdmitMonotonicInCeiling(t *testing.T) {
	t.Parallel()
	for ahead := int64(0); ahead < 6; ahead++ {
		for n := 1; n < 8; n++ {
			qe := entry(ahead, 0, 0)
			if Admit(qe, &config.QueueConfig{NConcurrent: n}) && !Admit(qe, &config.QueueConfig{NConcurrent: n + 1}) {
				t.Errorf("ahead %d: admitted at ceiling %d but not at %d", ahead, n, n+1)
			}
		}
	}
}

func TestDeadReason(t *testing.T) {
	t.Parallel()
	now := time.Now()
	dir := t.TempDir()
	exited := filepath.Join(dir, "exited.pid")
	test.AssertNotError(t, runlogs.WriteLock(exited, runlogs.ExitedContent), "")
	running := filepath.Join(dir, "running.pid")
	test.AssertNotError(t, runlogs.WriteLock(running, "4242\n"), "")
	corrupt := filepath.Join(dir, "corrupt.pid")
	test.AssertNotError(t, os.WriteFile(corrupt, []byte("0"), 0644), "")

	queued := func(updated time.Duration) *models.QueueEntry {
		return &models.QueueEntry{UpdatedAt: now.Add(-updated)}
	}
	started := func(ran time.Duration, lock string) *models.QueueEntry {
		return &models.QueueEntry{
			UpdatedAt: now,
			RunAt:     now.Add(-ran),
			LockFile:  null.NewString(lock, lock != ""),
		}
	}
	timeout := config.DefaultRunTimeout
	test.AssertEquals(t, deadReason(queued(5*time.Second), timeout, now), "")
	test.AssertEquals(t, deadReason(queued(29*time.Second), timeout, now), "")
	test.AssertEquals(t, deadReason(queued(31*time.Second), timeout, now), "abandoned")
	test.AssertEquals(t, deadReason(started(10*time.Second, ""), timeout, now), "")
	test.AssertEquals(t, deadReason(started(301*time.Second, ""), timeout, now), "timed out")
	test.AssertEquals(t, deadReason(started(301*time.Second, ""), 0, now), "")
	test.AssertEquals(t, deadReason(started(time.Second, exited), timeout, now), "exited")
	test.AssertEquals(t, deadReason(started(time.Second, filepath.Join(dir, "gone.pid")), timeout, now), "lock file gone")
	test.AssertEquals(t, deadReason(started(time.Second, running), timeout, now), "")
	test.AssertEquals(t, deadReason(started(time.Second, corrupt), timeout, now), "")
	test.AssertEquals(t, deadReason(started(400*time.Second, corrupt), timeout, now), "timed out")
}

func TestReapMetricNames(t *testing.T) {
	t.Parallel()
	test.AssertEquals(t, reapMetric("exited"), "reap.exited")
	test.AssertEquals(t, reapMetric("lock file gone"), "reap.lock_missing")
	test.AssertEquals(t, reapMetric("abandoned"), "reap.abandoned")
	test.AssertEquals(t, reapMetric("timed out"), "reap.timeout")
	test.AssertEquals(t, reapMetric("something new"), "reap.other")
	for reason, name := range reapMetrics {
		test.Assert(t, !strings.ContainsAny(name, " \t"), "metric for "+reason+" has a space: "+name)
	}
}

func TestCheckUnmarshal(t *testing.T) {
	t.Parallel()
	var req Request
	test.AssertNotError(t, jsonUnmarshal(`{"check": 1700000000, "run": "check"}`, &req), "")
	test.AssertEquals(t, req.Check, Check("1700000000"))
	test.AssertNotError(t, jsonUnmarshal(`{"check": "recent"}`, &req), "")
	test.AssertEquals(t, req.Check, Check(CheckRecent))
	test.AssertNotError(t, jsonUnmarshal(`{"check": null}`, &req), "")
	test.AssertEquals(t, req.Check, Check(""))
	test.AssertError(t, jsonUnmarshal(`{"check": [1]}`, &req), "arrays are not checks")
}

func jsonUnmarshal(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}
