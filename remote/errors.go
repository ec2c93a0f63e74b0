package remote

import (
	"fmt"
	"strings"
)

// UnavailableError is returned when the container service did not respond
// sensibly: the request failed, the status code was wrong, or the body was
// not the expected JSON. StatusCode is 0 if no response arrived.
type UnavailableError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "container service unavailable: %s", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		fmt.Fprintf(&b, " (body: %q)", body)
	}
	return b.String()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
