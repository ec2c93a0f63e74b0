package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRunTimeout is how long a started job may hold its queue slot when
// its class doesn't say otherwise.
const DefaultRunTimeout = 300 * time.Second

// QueueConfig describes one queue class.
type QueueConfig struct {
	// NConcurrent is the number of jobs in the class that may run at once.
	// 0 means unlimited.
	NConcurrent int `yaml:"nconcurrent"`
	// RunTimeout is in seconds. Unset means DefaultRunTimeout, 0 disables
	// the timeout.
	RunTimeout *int `yaml:"run_timeout"`
}

// Timeout returns the run timeout of the class, or 0 if started jobs never
// time out.
func (q *QueueConfig) Timeout() time.Duration {
	if q == nil || q.RunTimeout == nil {
		return DefaultRunTimeout
	}
	if *q.RunTimeout <= 0 {
		return 0
	}
	return time.Duration(*q.RunTimeout) * time.Second
}

const BackendLocal = "local"
const BackendRemote = "remote"

// A Runner is a command that can be run against a student's commit.
type Runner struct {
	Name     string `yaml:"name"`
	Title    string `yaml:"title"`
	Category string `yaml:"category"`
	// Queue is the queue class jobs of this runner compete in. Empty means
	// jobs start without queueing.
	Queue string `yaml:"queue"`
	// NConcurrent overrides the class ceiling for jobs of this runner and
	// every job queued behind them.
	NConcurrent int      `yaml:"nconcurrent"`
	Command     []string `yaml:"command"`
	Evaluator   string   `yaml:"evaluator"`
	// Visible runners may be run by students on their own repositories.
	Visible  bool   `yaml:"visible"`
	Disabled bool   `yaml:"disabled"`
	Backend  string `yaml:"backend"`
}

// EvalOnly reports whether the runner computes its result without running
// anything.
func (r *Runner) EvalOnly() bool {
	return len(r.Command) == 0 && r.Evaluator != ""
}

// Pset is the configuration of one problem set.
type Pset struct {
	Title   string    `yaml:"title"`
	Runners []*Runner `yaml:"runners"`
}

// A Repo is a student's repository checkout.
type Repo struct {
	ID    int64  `yaml:"id"`
	Owner string `yaml:"owner"`
	Name  string `yaml:"name"`
	// Dir is the local checkout, with one subdirectory per commit hash.
	Dir string `yaml:"dir"`
}

// RunnersFile is the parsed runner configuration file.
type RunnersFile struct {
	Queues map[string]*QueueConfig `yaml:"queues"`
	Psets  map[string]*Pset        `yaml:"psets"`
	Staff  []string                `yaml:"staff"`
	// Repos is keyed by user name.
	Repos map[string]*Repo `yaml:"repos"`
	// AccessToken is handed to the container service with every job.
	AccessToken string `yaml:"access_token"`
}

// LoadRunners reads and validates the runner configuration at path.
func LoadRunners(path string) (*RunnersFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runners file: %w", err)
	}
	return ParseRunners(b)
}

// ParseRunners parses and validates a runner configuration.
func ParseRunners(b []byte) (*RunnersFile, error) {
	var f RunnersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse runners file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *RunnersFile) validate() error {
	if f.Queues == nil {
		f.Queues = map[string]*QueueConfig{}
	}
	for name, q := range f.Queues {
		if q == nil {
			f.Queues[name] = &QueueConfig{}
			continue
		}
		if q.NConcurrent < 0 {
			return fmt.Errorf("queue %q: nconcurrent must not be negative", name)
		}
	}
	for psetName, p := range f.Psets {
		if p == nil {
			return fmt.Errorf("pset %q: empty configuration", psetName)
		}
		seen := make(map[string]bool)
		for _, r := range p.Runners {
			r.Name = strings.TrimSpace(r.Name)
			if r.Name == "" {
				return fmt.Errorf("pset %q: runner without a name", psetName)
			}
			if seen[r.Name] {
				return fmt.Errorf("pset %q: duplicate runner %q", psetName, r.Name)
			}
			seen[r.Name] = true
			if r.Category == "" {
				r.Category = r.Name
			}
			if r.Title == "" {
				r.Title = r.Name
			}
			switch r.Backend {
			case "":
				r.Backend = BackendLocal
			case BackendLocal, BackendRemote:
			default:
				return fmt.Errorf("runner %s/%s: unknown backend %q", psetName, r.Name, r.Backend)
			}
			if len(r.Command) == 0 && r.Evaluator == "" {
				return fmt.Errorf("runner %s/%s: needs a command or an evaluator", psetName, r.Name)
			}
			if r.Queue != "" {
				if _, ok := f.Queues[r.Queue]; !ok {
					log.Printf("runner %s/%s names queue %q, which is not configured", psetName, r.Name, r.Queue)
				}
			}
		}
	}
	ids := make(map[int64]string)
	for user, repo := range f.Repos {
		if repo == nil || repo.ID <= 0 {
			return fmt.Errorf("repo for %q: id must be positive", user)
		}
		if other, ok := ids[repo.ID]; ok {
			return fmt.Errorf("repo id %d used by both %q and %q", repo.ID, other, user)
		}
		ids[repo.ID] = user
	}
	return nil
}

// Runner returns the named runner of pset.
func (f *RunnersFile) Runner(pset, name string) (*Runner, bool) {
	p, ok := f.Psets[pset]
	if !ok {
		return nil, false
	}
	for _, r := range p.Runners {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Queue returns the configuration of a queue class.
func (f *RunnersFile) Queue(name string) (*QueueConfig, bool) {
	q, ok := f.Queues[name]
	return q, ok
}

// IsStaff reports whether user is a member of course staff.
func (f *RunnersFile) IsStaff(user string) bool {
	for _, s := range f.Staff {
		if s == user {
			return true
		}
	}
	return false
}

// Repo returns the repository of user.
func (f *RunnersFile) Repo(user string) (*Repo, bool) {
	r, ok := f.Repos[user]
	return r, ok
}

// RepoByID returns the repository with the given id.
func (f *RunnersFile) RepoByID(id int64) (*Repo, bool) {
	for _, r := range f.Repos {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}
