package models

import (
	"encoding/json"
)

// JobStatus is the fine-grained status of a single run.
type JobStatus string

// StatusWorking indicates the run has started and has not finished.
const StatusWorking = JobStatus("working")

// StatusDone indicates the run finished normally.
const StatusDone = JobStatus("done")

// StatusError indicates the run failed, was cancelled, or its worker
// disappeared.
const StatusError = JobStatus("error")

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// A JobRecord is what a poll observes about a run: its status and the piece
// of output the caller hasn't seen yet.
type JobRecord struct {
	Checkt int64     `json:"checkt"`
	Status JobStatus `json:"status"`
	// Data is the output between the caller's offset and Offset.
	Data   string          `json:"data"`
	Offset int64           `json:"offset"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Answer is the response to every run request. Failures have OK false and a
// human readable Error; nothing else is part of the error contract.
type Answer struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Set while the job waits for admission.
	OnQueue    bool   `json:"onQueue,omitempty"`
	QueueID    int64  `json:"queueid,omitempty"`
	AheadCount int64  `json:"aheadCount,omitempty"`
	HeadAge    *int64 `json:"headAge,omitempty"`

	Done   bool      `json:"done"`
	Status JobStatus `json:"status,omitempty"`
	RepoID int64     `json:"repoid,omitempty"`
	Pset   string    `json:"pset,omitempty"`
	Checkt int64     `json:"checkt,omitempty"`
	// Timestamp duplicates Checkt for older clients.
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      string          `json:"data,omitempty"`
	Offset    int64           `json:"offset,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Failure returns an Answer carrying msg as the error.
func Failure(msg string) *Answer {
	return &Answer{OK: false, Error: msg}
}

// FromRecord builds the Answer for an observed JobRecord.
func FromRecord(rec *JobRecord) *Answer {
	return &Answer{
		OK:        true,
		Done:      rec.Status.Terminal(),
		Status:    rec.Status,
		Checkt:    rec.Checkt,
		Timestamp: rec.Checkt,
		Data:      rec.Data,
		Offset:    rec.Offset,
		Result:    rec.Result,
	}
}
