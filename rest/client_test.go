package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/brown-padev/peteramati/test"
)

func TestPost(t *testing.T) {
	t.Parallel()
	var user, pass string
	var ok bool
	var requestUrl *url.URL
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok = r.BasicAuth()
		requestUrl = r.URL
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("{}"))
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest(context.Background(), "POST", "/", nil)
	test.AssertNotError(t, err, "")
	err = client.Do(req, &struct{}{})
	test.AssertNotError(t, err, "")
	test.Assert(t, ok, "expected basic auth")
	test.AssertEquals(t, user, "foo")
	test.AssertEquals(t, pass, "bar")
	test.AssertEquals(t, requestUrl.Path, "/")
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	var auth string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer s.Close()
	client := NewClient("", "tok", s.URL)
	req, err := client.NewRequest(context.Background(), "GET", "/", nil)
	test.AssertNotError(t, err, "")
	test.AssertNotError(t, client.Do(req, nil), "")
	test.AssertEquals(t, auth, "Bearer tok")
}

func TestPostError(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&Error{
			Title: "bad request",
			ID:    "something_bad",
		})
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, err := client.NewRequest(context.Background(), "POST", "/", nil)
	test.AssertNotError(t, err, "")
	err = client.Do(req, &struct{}{})
	test.AssertError(t, err, "")
	test.AssertEquals(t, err.Error(), "bad request")
	rerr, ok := err.(*Error)
	test.Assert(t, ok, "expected a *rest.Error")
	test.AssertEquals(t, rerr.StatusCode, 400)
	test.AssertEquals(t, rerr.ID, "something_bad")
}

func TestNonJSONErrorKeepsBody(t *testing.T) {
	t.Parallel()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream fell over"))
	}))
	defer s.Close()
	client := NewClient("foo", "bar", s.URL)
	req, _ := client.NewRequest(context.Background(), "GET", "/", nil)
	err := client.Do(req, nil)
	rerr, ok := err.(*Error)
	test.Assert(t, ok, "expected a *rest.Error")
	test.AssertEquals(t, rerr.StatusCode, 502)
	test.AssertEquals(t, rerr.Title, "Bad Gateway")
	test.AssertEquals(t, rerr.Detail, "upstream fell over")
}
