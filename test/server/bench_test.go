package servertest

import (
	"fmt"
	"testing"

	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
	"github.com/brown-padev/peteramati/test"
	"github.com/brown-padev/peteramati/test/factory"
)

func BenchmarkCheckup(b *testing.B) {
	defer test.TearDown(b)
	e := newEnv(b, 0)
	a := e.do(b, factory.Student, map[string]interface{}{"pset": factory.Pset, "run": "free", "commit": factory.SampleHash})
	if !a.OK {
		b.Fatal(a.Error)
	}
	repo, _ := e.rf.Repo(factory.Student)
	key := runlogs.Key{RepoID: repo.ID, Pset: factory.Pset, Runner: "free"}
	for i := 0; i < 100; i++ {
		e.fake.Write(key, a.Checkt, fmt.Sprintf("line %d\n", i))
	}
	e.fake.Finish(key, a.Checkt, models.StatusDone)
	poll := map[string]interface{}{"pset": factory.Pset, "run": "free", "check": a.Checkt}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		ans := e.do(b, factory.Student, poll)
		b.SetBytes(int64(len(ans.Data)))
		if ans.Status != models.StatusDone {
			b.Fatalf("incorrect status: %s", ans.Status)
		}
	}
}
