package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brown-padev/peteramati/metrics"
	"github.com/brown-padev/peteramati/models"
	"github.com/brown-padev/peteramati/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

type JobService struct {
	Client *Client
}

// A JobRequest describes one job for the container service. The paths are on
// storage shared with the service; it writes output to LogFile, keeps
// PidFile while the job runs and reads control input from InputFifo.
type JobRequest struct {
	JobID       string `json:"jobID"`
	PsetName    string `json:"psetName"`
	TestName    string `json:"testName"`
	AccessToken string `json:"accessToken"`
	RepoOwner   string `json:"repoOwner"`
	RepoName    string `json:"repoName"`
	CommitID    string `json:"commitID"`
	StudentID   string `json:"studentID"`
	LogFile     string `json:"logFile"`
	PidFile     string `json:"pidFile"`
	InputFifo   string `json:"inputFifo"`
}

// Status is the container service's view of a job.
type Status struct {
	JobID   string `json:"jobID"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// State maps the service's status token onto a run status. Tokens that are
// not recognized as terminal mean the job is still in progress.
func (s *Status) State() models.JobStatus {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "success", "succeeded", "done", "complete", "completed":
		return models.StatusDone
	case "failed", "failure", "error", "cancelled", "canceled", "timeout", "timedout":
		return models.StatusError
	default:
		return models.StatusWorking
	}
}

// Terminal reports whether the job has finished.
func (s *Status) Terminal() bool {
	return s.State().Terminal()
}

type submitResponse struct {
	JobID string `json:"jobID"`
	Data  *struct {
		JobID string `json:"jobID"`
	} `json:"data"`
}

// statusResponse accepts the status either at the top level or inside a
// "data" envelope, like submitResponse.
type statusResponse struct {
	Status
	Data *Status `json:"data"`
}

func (j *JobService) send(ctx context.Context, op, method, path string, body interface{}) (int, []byte, error) {
	ctx, span := tracing.StartSpan(ctx, "remote."+op,
		attribute.String("http.method", method),
		attribute.String("remote.path", path))
	var err error
	defer func() { tracing.End(span, err) }()

	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = new(bytes.Buffer)
		if err = json.NewEncoder(reqBody).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	var req *http.Request
	if reqBody != nil {
		req, err = j.Client.NewRequest(ctx, method, path, reqBody)
	} else {
		req, err = j.Client.NewRequest(ctx, method, path, nil)
	}
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	res, resBody, err := j.Client.Send(req)
	if err != nil {
		go metrics.Increment(fmt.Sprintf("remote.%s.error", op))
		return 0, nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	return res.StatusCode, resBody, nil
}

// Submit sends the job to the service and returns the id the service
// assigned it. Only a 200 response with a non-empty jobID counts as success;
// everything else is an *UnavailableError.
func (j *JobService) Submit(ctx context.Context, jr *JobRequest) (string, error) {
	if jr == nil {
		return "", errors.New("no job to submit")
	}
	code, body, err := j.send(ctx, "submit", "POST", "/jobs", jr)
	if err != nil {
		return "", &UnavailableError{Op: "submit", Err: err}
	}
	if code != http.StatusOK {
		go metrics.Increment("remote.submit.bad_status")
		return "", &UnavailableError{Op: "submit", StatusCode: code, Body: string(body)}
	}
	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", &UnavailableError{Op: "submit", StatusCode: code, Body: string(body), Err: err}
	}
	id := sr.JobID
	if id == "" && sr.Data != nil {
		id = sr.Data.JobID
	}
	if id == "" {
		return "", &UnavailableError{Op: "submit", StatusCode: code, Body: string(body), Err: errors.New("response has no jobID")}
	}
	go metrics.Increment("remote.submit.success")
	return id, nil
}

// SubmitNoWait sends the job without waiting for an id. Any 2xx response is
// success.
func (j *JobService) SubmitNoWait(ctx context.Context, jr *JobRequest) error {
	if jr == nil {
		return errors.New("no job to submit")
	}
	code, body, err := j.send(ctx, "submit", "POST", "/jobs", jr)
	if err != nil {
		return &UnavailableError{Op: "submit", Err: err}
	}
	if code < 200 || code >= 300 {
		return &UnavailableError{Op: "submit", StatusCode: code, Body: string(body)}
	}
	return nil
}

// Status returns the service's status for the job. A response without a
// status field is an error, never "still working".
func (j *JobService) Status(ctx context.Context, id string) (*Status, error) {
	code, body, err := j.send(ctx, "status", "GET", "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, &UnavailableError{Op: "status", Err: err}
	}
	if code != http.StatusOK {
		return nil, &UnavailableError{Op: "status", StatusCode: code, Body: string(body)}
	}
	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &UnavailableError{Op: "status", StatusCode: code, Body: string(body), Err: err}
	}
	s := &sr.Status
	if strings.TrimSpace(s.Status) == "" && sr.Data != nil {
		s = sr.Data
	}
	if strings.TrimSpace(s.Status) == "" {
		return nil, &UnavailableError{Op: "status", StatusCode: code, Body: string(body), Err: errors.New("response has no status")}
	}
	if s.JobID == "" {
		s.JobID = id
	}
	return s, nil
}

// Cancel asks the service to stop the job. Cancelling a job that already
// finished or no longer exists is not an error.
func (j *JobService) Cancel(ctx context.Context, id string) error {
	code, body, err := j.send(ctx, "cancel", "DELETE", "/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return &UnavailableError{Op: "cancel", Err: err}
	}
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone, code == http.StatusConflict:
		return nil
	default:
		return &UnavailableError{Op: "cancel", StatusCode: code, Body: string(body)}
	}
}

// AwaitCompletion polls Status every interval until the job reaches a
// terminal status, and returns that status. It gives up only when ctx is
// done or Status fails.
func (j *JobService) AwaitCompletion(ctx context.Context, id string, interval time.Duration) (*Status, error) {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := j.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}
