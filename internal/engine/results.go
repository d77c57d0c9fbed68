package engine

import (
	"maps"
	"sync"
	"time"
)

// Outcome tags a Result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result is the recorded outcome of one node execution. Success carries
// Output, Failure carries Message; At is the completion or failure time.
type Result struct {
	Outcome Outcome   `json:"outcome"`
	Output  any       `json:"output,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Success builds a success result.
func Success(output any, at time.Time) Result {
	return Result{Outcome: OutcomeSuccess, Output: output, At: at}
}

// Failure builds a failure result.
func Failure(message string, at time.Time) Result {
	return Result{Outcome: OutcomeFailure, Message: message, At: at}
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// ResultStore maps node IDs to their latest Result. A later Set for the same
// node overwrites; there is no history and no eviction.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]Result
}

// NewResultStore creates an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]Result)}
}

func (s *ResultStore) Set(id string, r Result) {
	s.mu.Lock()
	s.results[id] = r
	s.mu.Unlock()
}

func (s *ResultStore) Get(id string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *ResultStore) Delete(id string) {
	s.mu.Lock()
	delete(s.results, id)
	s.mu.Unlock()
}

func (s *ResultStore) Clear() {
	s.mu.Lock()
	clear(s.results)
	s.mu.Unlock()
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Snapshot returns a copy of every recorded result.
func (s *ResultStore) Snapshot() map[string]Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.results)
}
