// The metrics package instruments your code.
//
// Set DEBUG=metrics environment variable to print metrics to stdout.
package metrics

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

var debugEnabled = strings.Contains(os.Getenv("DEBUG"), "metrics")

func debug(format string, args ...interface{}) {
	if debugEnabled {
		log.Printf("metrics: "+format, args...)
	}
}

// Namespace is the namespace under which all metrics will get incremented.
// Typically this should match up with the running service ("server",
// "worker", &c).
var Namespace string

func getWithNamespace(metricName string) string {
	if Namespace == "" {
		return metricName
	}
	return fmt.Sprintf("%s.%s", Namespace, metricName)
}

// Start begins periodically logging the registry to stderr, if
// METRICS_LOG_INTERVAL is set to a duration. Metrics are always available
// through WriteJSON.
func Start(source string) {
	interval := os.Getenv("METRICS_LOG_INTERVAL")
	if interval == "" {
		return
	}
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		log.Printf("Invalid METRICS_LOG_INTERVAL %q; no metrics will be logged", interval)
		return
	}
	logger := log.New(os.Stderr, source+" metrics: ", log.LstdFlags)
	go metrics.Log(metrics.DefaultRegistry, d, logger)
}

// Increment a counter with the given name.
func Increment(name string) {
	mn := getWithNamespace(name)
	m := metrics.GetOrRegisterMeter(mn, nil)
	m.Mark(1)
	debug("increment %s 1", name)
}

// Measure that the given metric has the given value.
func Measure(name string, value int64) {
	mn := getWithNamespace(name)
	g := metrics.GetOrRegisterGauge(mn, nil)
	g.Update(value)
	debug("measure %s %d", name, value)
}

// Add a new timing measurement for the given metric.
func Time(name string, value time.Duration) {
	mn := getWithNamespace(name)
	t := metrics.GetOrRegisterTimer(mn, nil)
	t.Update(value)
	debug("time %s %v", name, value)
}

// Count returns the number of times name was incremented.
func Count(name string) int64 {
	m, ok := metrics.DefaultRegistry.Get(getWithNamespace(name)).(metrics.Meter)
	if !ok {
		return 0
	}
	return m.Count()
}

// WriteJSON writes a snapshot of every registered metric to w.
func WriteJSON(w io.Writer) {
	metrics.WriteJSONOnce(metrics.DefaultRegistry, w)
}
