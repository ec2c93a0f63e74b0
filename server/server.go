// Package server provides an HTTP interface to the checker runner.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brown-padev/peteramati/config"
	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/rest"
	"github.com/brown-padev/peteramati/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// The maximum size of the body of a run request.
const MAX_RUN_REQUEST_SIZE = 64 * 1024

var disallowUnencryptedRequests = true

func init() {
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

// QueueCounter reports how many entries wait in each queue class.
type QueueCounter interface {
	CountsByClass(ctx context.Context) (map[string]int64, error)
}

// CommitRunLister reports the last run of each category on a commit.
type CommitRunLister interface {
	List(ctx context.Context, repoID int64, hash string) (map[string]int64, error)
}

// Server serves the run API. Queues and Commits may be nil, in which case
// their routes answer 404.
type Server struct {
	Runner     *services.Runner
	Queues     QueueCounter
	Commits    CommitRunLister
	Authorizer Authorizer
}

// Handler returns a http.Handler with all routes initialized.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		notFound(w, new404(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(new405(r))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.Authorizer))
		r.Get("/", s.renderHomepage)
		r.Post("/run", s.handleRun)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/run", s.handleRun)
			r.Get("/queues", s.handleQueues)
			r.Get("/repos/{repoID}/commits/{hash}/runs", s.handleCommitRuns)
		})
		r.Get("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			metrics.WriteJSON(w)
		})
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	})

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(r),
		),
	)
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("peteramati-runner/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

type userKey struct{}

// userFrom returns the authenticated user of the request.
func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

func authMiddleware(a Authorizer) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userId, token, ok := r.BasicAuth()
			if !ok {
				authenticate(w, new401(r))
				return
			}
			if err := a.Authorize(userId, token); err != nil {
				go metrics.Increment("auth.error")
				handleAuthorizeError(w, r, err)
				return
			}
			go metrics.Increment("auth.success")
			h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userId)))
		})
	}
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.Header().Write(b)
			for k, v := range res.Header() {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// POST /v1/run
//
// Start, poll or stop a run. Every answer from the runner is a 200, including
// answers with "ok": false; other status codes mean the request itself was
// bad.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MAX_RUN_REQUEST_SIZE)
	defer r.Body.Close()
	var req services.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, &rest.Error{
			ID:       "invalid_request",
			Title:    "Invalid request: bad JSON. Double check the types of the fields you sent",
			Instance: r.URL.Path,
		})
		return
	}
	if req.Pset == "" {
		badRequest(w, r, createEmptyErr("pset", r.URL.Path))
		return
	}
	if req.Runner == "" {
		badRequest(w, r, createEmptyErr("run", r.URL.Path))
		return
	}
	req.Viewer = userFrom(r.Context())
	start := time.Now()
	answer := s.Runner.Run(r.Context(), &req)
	go metrics.Time("server.run.latency", time.Since(start))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(answer)
}

// GET /v1/queues
//
// Returns the number of entries in each queue class.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if s.Queues == nil {
		notFound(w, new404(r))
		return
	}
	counts, err := s.Queues.CountsByClass(r.Context())
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(counts)
}

// GET /v1/repos/:repoID/commits/:hash/runs
//
// Returns the checkt of the last run of each category on the commit.
func (s *Server) handleCommitRuns(w http.ResponseWriter, r *http.Request) {
	if s.Commits == nil {
		notFound(w, new404(r))
		return
	}
	repoID, err := strconv.ParseInt(chi.URLParam(r, "repoID"), 10, 64)
	if err != nil || repoID <= 0 {
		badRequest(w, r, createPositiveIntErr("repoID", r.URL.Path))
		return
	}
	runs, err := s.Commits.List(r.Context(), repoID, strings.ToLower(chi.URLParam(r, "hash")))
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(runs)
}
