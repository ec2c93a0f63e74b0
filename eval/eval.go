// Package eval computes results from the output of finished runs.
//
// Evaluators are registered by name and selected by runner configuration.
package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// An Evaluator turns the output of a run into a JSON result. Eval-only
// runners are evaluated with empty output.
type Evaluator interface {
	Evaluate(output string) (json.RawMessage, error)
}

// Func adapts a function to the Evaluator interface.
type Func func(output string) (json.RawMessage, error)

func (f Func) Evaluate(output string) (json.RawMessage, error) {
	return f(output)
}

var mu sync.RWMutex
var registry = map[string]Evaluator{}

// Register makes e available under name, replacing any previous evaluator
// with that name.
func Register(name string, e Evaluator) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = e
}

// Lookup returns the evaluator registered under name.
func Lookup(name string) (Evaluator, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no evaluator named %q", name)
	}
	return e, nil
}

// Names returns the registered evaluator names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("lastline", Func(LastLine))
	Register("json", Func(LastJSON))
	Register("fraction", Func(Fraction))
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\r\n \t"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// LastLine returns the last non-empty line of output as a JSON string.
func LastLine(output string) (json.RawMessage, error) {
	return json.Marshal(lastLine(output))
}

// LastJSON parses the last non-empty line of output as JSON.
func LastJSON(output string) (json.RawMessage, error) {
	line := lastLine(output)
	if !json.Valid([]byte(line)) {
		return nil, errors.New("last line of output is not JSON")
	}
	return json.RawMessage(line), nil
}

var fractionRx = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*/\s*(\d+(?:\.\d+)?)`)

type fraction struct {
	Score float64 `json:"score"`
	Max   float64 `json:"max"`
}

// Fraction finds the last "N/M" in output and returns {"score": N, "max": M}.
func Fraction(output string) (json.RawMessage, error) {
	m := fractionRx.FindAllStringSubmatch(output, -1)
	if len(m) == 0 {
		return nil, errors.New("no score found in output")
	}
	last := m[len(m)-1]
	score, err := strconv.ParseFloat(last[1], 64)
	if err != nil {
		return nil, err
	}
	max, err := strconv.ParseFloat(last[2], 64)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fraction{Score: score, Max: max})
}
