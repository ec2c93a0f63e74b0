package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/brown-padev/peteramati/config"
)

var defaultTimeout = 6500 * time.Millisecond
var defaultHttpClient = &http.Client{Timeout: defaultTimeout}

// Client is a generic Rest client for making HTTP requests.
type Client struct {
	Id     string
	Token  string
	Client *http.Client
	Base   string
}

// NewClient returns a new Client with the given user and password. Base is the
// scheme+domain to hit for all requests. By default, the request timeout is
// set to 6.5 seconds.
func NewClient(user, pass, base string) *Client {
	return &Client{
		Id:     user,
		Token:  pass,
		Client: defaultHttpClient,
		Base:   base,
	}
}

// NewRequest creates a new Request and sets authentication based on the
// client's credentials: basic auth if there is an Id, otherwise a bearer
// token if there is a Token.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return nil, err
	}
	if c.Id != "" {
		req.SetBasicAuth(c.Id, c.Token)
	} else if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Add("User-Agent", fmt.Sprintf("peteramati-go/v%s", config.Version))
	req.Header.Add("Accept", "application/json")
	if method == "POST" || method == "PUT" {
		req.Header.Add("Content-Type", "application/json; charset=utf-8")
	}
	return req, nil
}

func debugRequests() bool {
	return os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" || os.Getenv("DEBUG_HTTP_REQUEST") == "true"
}

func debugResponses() bool {
	return os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" || os.Getenv("DEBUG_HTTP_RESPONSES") == "true"
}

// Send performs the HTTP request and returns the response with its body
// fully read, whatever the status code.
func (c *Client) Send(r *http.Request) (*http.Response, []byte, error) {
	b := new(bytes.Buffer)
	if debugRequests() {
		bits, err := httputil.DumpRequestOut(r, true)
		if err != nil {
			return nil, nil, err
		}
		b.Write(bits)
	}
	client := c.Client
	if client == nil {
		client = defaultHttpClient
	}
	res, err := client.Do(r)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	if debugResponses() {
		bits, err := httputil.DumpResponse(res, true)
		if err != nil {
			return nil, nil, err
		}
		b.Write(bits)
	}
	if b.Len() > 0 {
		if _, err := b.WriteTo(os.Stderr); err != nil {
			return nil, nil, err
		}
	}
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return res, nil, err
	}
	return res, resBody, nil
}

// Do performs the HTTP request. If the HTTP response is in the 2xx range,
// Unmarshal the response body into v, otherwise return an error.
func (c *Client) Do(r *http.Request, v interface{}) error {
	res, resBody, err := c.Send(r)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return ParseError(res.StatusCode, resBody)
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(resBody, v)
}

// ParseError builds an *Error from a failed response. Bodies that are not
// problem JSON are kept whole in Detail.
func ParseError(statusCode int, body []byte) *Error {
	e := new(Error)
	if err := json.Unmarshal(body, e); err != nil || e.Title == "" {
		e = &Error{
			Title:  http.StatusText(statusCode),
			Detail: string(body),
		}
		if e.Title == "" {
			e.Title = fmt.Sprintf("HTTP %d", statusCode)
		}
	}
	e.StatusCode = statusCode
	return e
}
