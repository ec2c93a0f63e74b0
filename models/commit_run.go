package models

import "time"

// A CommitRun records the most recent run of a runner category against one
// commit of a repository.
type CommitRun struct {
	RepoID     int64     `json:"repoid"`
	CommitHash string    `json:"hash"`
	Category   string    `json:"category"`
	Checkt     int64     `json:"checkt"`
	UpdatedAt  time.Time `json:"updated_at"`
}
