// Package remote is a client for the container service, which runs checker
// jobs in isolated workers on other machines.
//
// The service accepts POST /jobs with a JobRequest and answers {"jobID": ...};
// GET /jobs/:id returns {"status": ...}; DELETE /jobs/:id cancels.
package remote

import (
	"net/http"
	"time"

	"github.com/brown-padev/peteramati/rest"
)

const defaultHTTPTimeout = 6500 * time.Millisecond

var httpClient = &http.Client{Timeout: defaultHTTPTimeout}

// Client is an API client for the container service.
type Client struct {
	*rest.Client

	Jobs *JobService
}

// NewClient creates a new Client. The token is sent as a bearer token with
// every request; leave it empty if the service is unauthenticated.
func NewClient(token, base string) *Client {
	c := &Client{&rest.Client{
		Token:  token,
		Client: httpClient,
		Base:   base,
	}, nil}
	c.Jobs = &JobService{Client: c}
	return c
}
