// Package remotetest is an in-memory container service, for tests and local
// development.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/brown-padev/peteramati/remote"
)

// Server implements the container service API. Jobs stay "running" until
// Finish is called or they are cancelled.
type Server struct {
	mu        sync.Mutex
	next      int
	jobs      map[string]*job
	submitted []*remote.JobRequest
	cancelled []string
}

type job struct {
	req    *remote.JobRequest
	status string
}

func NewServer() *Server {
	return &Server{jobs: make(map[string]*job)}
}

// Finish sets the status the service reports for the job.
func (s *Server) Finish(id string, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.status = status
	}
}

// Submitted returns the requests received so far.
func (s *Server) Submitted() []*remote.JobRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*remote.JobRequest(nil), s.submitted...)
}

// Cancelled returns the ids of every cancel request received so far.
func (s *Server) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// LastJobID returns the id of the most recently submitted job.
func (s *Server) LastJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == 0 {
		return ""
	}
	return fmt.Sprintf("job-%d", s.next)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	path := strings.TrimPrefix(r.URL.Path, "/jobs")
	switch {
	case path == "" && r.Method == "POST":
		s.submit(w, r)
	case strings.HasPrefix(path, "/") && r.Method == "GET":
		s.status(w, strings.TrimPrefix(path, "/"))
	case strings.HasPrefix(path, "/") && r.Method == "DELETE":
		s.cancel(w, strings.TrimPrefix(path, "/"))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	jr := new(remote.JobRequest)
	if err := json.NewDecoder(r.Body).Decode(jr); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	s.mu.Lock()
	s.next++
	id := fmt.Sprintf("job-%d", s.next)
	s.jobs[id] = &job{req: jr, status: "running"}
	s.submitted = append(s.submitted, jr)
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"jobID": id})
}

func (s *Server) status(w http.ResponseWriter, id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	var status string
	if ok {
		status = j.status
	}
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "no such job"}`))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"jobID": id, "status": status})
}

func (s *Server) cancel(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	j, ok := s.jobs[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "no such job"}`))
		return
	}
	if j.status == "running" || j.status == "queued" {
		j.status = "cancelled"
	}
	w.Write([]byte(`{}`))
}
