package factory

import (
	"github.com/brown-padev/peteramati/config"
	"github.com/google/uuid"
)

// Users in the configuration returned by RunnersFile.
const (
	Student = "student"
	Other   = "other"
	TA      = "ta"
)

// Pset is the problem set in the configuration returned by RunnersFile.
const Pset = "pset1"

// RandomRepoID returns a positive repository id no other test uses.
func RandomRepoID() int64 {
	return int64(uuid.New().ID()) + 1
}

// RunnersFile returns a configuration with one queue class and these runners
// in Pset:
//
//	check   queued in class, visible
//	free    not queued, visible
//	grade   evaluator "lastline" only, visible
//	hidden  not visible to students
//	off     disabled
//	orphan  queued in a class with no configuration
//
// Student and Other each own a repository; TA is staff.
func RunnersFile(class string, nconcurrent int) *config.RunnersFile {
	return &config.RunnersFile{
		Queues: map[string]*config.QueueConfig{
			class: {NConcurrent: nconcurrent},
		},
		Psets: map[string]*config.Pset{
			Pset: {
				Title: "Pset 1",
				Runners: []*config.Runner{
					runner("check", class, true, false),
					runner("free", "", true, false),
					{Name: "grade", Title: "grade", Category: "grade", Evaluator: "lastline", Visible: true, Backend: config.BackendLocal},
					runner("hidden", "", false, false),
					runner("off", "", true, true),
					runner("orphan", RandomClass(), true, false),
				},
			},
		},
		Staff: []string{TA},
		Repos: map[string]*config.Repo{
			Student: {ID: RandomRepoID(), Owner: "cs61", Name: Student},
			Other:   {ID: RandomRepoID(), Owner: "cs61", Name: Other},
		},
	}
}

func runner(name string, queue string, visible bool, disabled bool) *config.Runner {
	return &config.Runner{
		Name:     name,
		Title:    name,
		Category: name,
		Queue:    queue,
		Command:  []string{"make", name},
		Visible:  visible,
		Disabled: disabled,
		Backend:  config.BackendLocal,
	}
}
