package test_commit_runs

import (
	"context"
	"testing"

	"github.com/brown-padev/peteramati/models/commit_runs"
	"github.com/brown-padev/peteramati/test"
	"github.com/brown-padev/peteramati/test/factory"
)

var ctx = context.Background()

func TestAll(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	t.Run("Parallel", func(t *testing.T) {
		t.Run("TestGetNonexistent", testGetNonexistent)
		t.Run("TestRecordAndGet", testRecordAndGet)
		t.Run("TestOlderRunDoesNotReplaceNewer", testOlderRunDoesNotReplaceNewer)
		t.Run("TestList", testList)
	})
}

func testGetNonexistent(t *testing.T) {
	t.Parallel()
	_, err := commit_runs.Default.Get(ctx, 1, factory.RandomId("hash_"), "grade")
	test.AssertEquals(t, err, commit_runs.ErrNotFound)
}

func testRecordAndGet(t *testing.T) {
	t.Parallel()
	hash := factory.RandomId("hash_")
	err := commit_runs.Default.Record(ctx, 3, hash, "grade", 1500000000)
	test.AssertNotError(t, err, "")
	cr, err := commit_runs.Default.GetRetry(ctx, 3, hash, "grade", 3)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, cr.RepoID, int64(3))
	test.AssertEquals(t, cr.CommitHash, hash)
	test.AssertEquals(t, cr.Category, "grade")
	test.AssertEquals(t, cr.Checkt, int64(1500000000))

	err = commit_runs.Default.Record(ctx, 3, hash, "grade", 1500000100)
	test.AssertNotError(t, err, "")
	cr, err = commit_runs.Default.Get(ctx, 3, hash, "grade")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, cr.Checkt, int64(1500000100))
}

func testOlderRunDoesNotReplaceNewer(t *testing.T) {
	t.Parallel()
	hash := factory.RandomId("hash_")
	test.AssertNotError(t, commit_runs.Default.Record(ctx, 3, hash, "style", 1500000100), "")
	test.AssertNotError(t, commit_runs.Default.Record(ctx, 3, hash, "style", 1500000000), "")
	cr, err := commit_runs.Default.Get(ctx, 3, hash, "style")
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, cr.Checkt, int64(1500000100))
}

func testList(t *testing.T) {
	t.Parallel()
	hash := factory.RandomId("hash_")
	test.AssertNotError(t, commit_runs.Default.Record(ctx, 5, hash, "grade", 10), "")
	test.AssertNotError(t, commit_runs.Default.Record(ctx, 5, hash, "style", 20), "")
	test.AssertNotError(t, commit_runs.Default.Record(ctx, 6, hash, "grade", 30), "")
	m, err := commit_runs.Default.List(ctx, 5, hash)
	test.AssertNotError(t, err, "")
	test.AssertDeepEquals(t, m, map[string]int64{"grade": 10, "style": 20})
}
