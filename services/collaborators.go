package services

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/runlogs"
)

// Permissions decides who may run and view which runners. viewer is the
// authenticated user, target the user whose repository the job runs on.
type Permissions interface {
	CanRun(viewer string, pset string, r *config.Runner, target string) bool
	CanViewRun(viewer string, pset string, r *config.Runner, target string) bool
}

// A CommitResolver turns the commit a caller asked for into the full hash of
// a commit in the target's repository. It returns ErrNoCommit if there is no
// such commit.
type CommitResolver interface {
	ResolveCommit(ctx context.Context, target string, pset string, requested string) (string, error)
}

// A RunRecorder remembers the last run of each category on a commit.
type RunRecorder interface {
	RecordLastRun(ctx context.Context, repoID int64, hash string, category string, checkt int64) error
}

// RecordFunc adapts a function to a RunRecorder, e.g.
// RecordFunc(commit_runs.Default.Record).
type RecordFunc func(ctx context.Context, repoID int64, hash string, category string, checkt int64) error

func (f RecordFunc) RecordLastRun(ctx context.Context, repoID int64, hash string, category string, checkt int64) error {
	return f(ctx, repoID, hash, category, checkt)
}

// A LogArchive keeps the logs of finished runs after the local copy is gone.
// *archive.Archiver is the usual implementation.
type LogArchive interface {
	Put(ctx context.Context, key runlogs.Key, checkt int64, logPath string, status models.JobStatus) error
	Get(ctx context.Context, key runlogs.Key, checkt int64, offset int64) (string, int64, models.JobStatus, error)
}

// StaffPolicy lets staff run and view anything that is not disabled. Everyone
// else may only use visible runners on their own repository.
type StaffPolicy struct {
	Config *config.RunnersFile
}

func (p StaffPolicy) CanRun(viewer string, pset string, r *config.Runner, target string) bool {
	if r.Disabled {
		return false
	}
	return p.CanViewRun(viewer, pset, r, target)
}

func (p StaffPolicy) CanViewRun(viewer string, pset string, r *config.Runner, target string) bool {
	if p.Config.IsStaff(viewer) {
		return true
	}
	return viewer == target && r.Visible
}

var hashRx = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// CheckoutResolver accepts well formed commit hashes. When the target's
// repository has a checkout directory, abbreviated hashes are expanded
// against the per-commit subdirectories in it.
type CheckoutResolver struct {
	Config *config.RunnersFile
}

func (c CheckoutResolver) ResolveCommit(ctx context.Context, target string, pset string, requested string) (string, error) {
	hash := strings.ToLower(strings.TrimSpace(requested))
	if !hashRx.MatchString(hash) {
		return "", ErrNoCommit
	}
	repo, ok := c.Config.Repo(target)
	if !ok || repo.Dir == "" || len(hash) == 40 {
		return hash, nil
	}
	entries, err := os.ReadDir(repo.Dir)
	if err != nil {
		return hash, nil
	}
	match := ""
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), hash) {
			if match != "" {
				// ambiguous
				return "", ErrNoCommit
			}
			match = e.Name()
		}
	}
	if match == "" {
		return hash, nil
	}
	return match, nil
}
