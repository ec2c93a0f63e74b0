package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/brown-padev/peteramati/test"
)

func TestParseHeaders(t *testing.T) {
	h := parseHeaders("a=1, b = 2,broken,=x,c=")
	test.AssertDeepEquals(t, h, map[string]string{"a": "1", "b": "2"})
	test.AssertEquals(t, len(parseHeaders("")), 0)
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("RUNQUEUE_TEST_BOOL", "no")
	test.Assert(t, !getenvBool("RUNQUEUE_TEST_BOOL", true), "")
	t.Setenv("RUNQUEUE_TEST_BOOL", "maybe")
	test.Assert(t, getenvBool("RUNQUEUE_TEST_BOOL", true), "falls back on junk")
}

func TestGetenvFloat(t *testing.T) {
	t.Setenv("RUNQUEUE_TEST_FLOAT", "0.25")
	test.AssertEquals(t, getenvFloat("RUNQUEUE_TEST_FLOAT", 1), 0.25)
	t.Setenv("RUNQUEUE_TEST_FLOAT", "x")
	test.AssertEquals(t, getenvFloat("RUNQUEUE_TEST_FLOAT", 1), 1.0)
}

func TestNoopByDefault(t *testing.T) {
	t.Setenv("RUNQUEUE_OTEL_EXPORTER", "")
	shutdown, err := InitFromEnv("test")
	test.AssertNotError(t, err, "")
	_, span := StartSpan(context.Background(), "noop")
	End(span, errors.New("recorded"))
	test.AssertNotError(t, shutdown(context.Background()), "")
}
