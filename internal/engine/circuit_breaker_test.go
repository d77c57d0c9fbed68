package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/pkg/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(threshold int) (*CircuitBreakerRegistry, *fakeClock) {
	clock := newFakeClock()
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: 10 * time.Second, HalfOpenMax: 1})
	r.now = clock.Now
	return r, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	r, _ := newTestBreakers(3)
	assert.NoError(t, r.AllowRequest("pdf-extract"))
	assert.Equal(t, CircuitClosed, r.State("pdf-extract"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	r, _ := newTestBreakers(3)

	r.RecordFailure("excel-read")
	r.RecordFailure("excel-read")
	assert.Equal(t, CircuitClosed, r.State("excel-read"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("excel-read"))

	err := r.AllowRequest("excel-read")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))

	// Other skills are unaffected.
	assert.NoError(t, r.AllowRequest("pdf-extract"))
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	r, _ := newTestBreakers(3)
	r.RecordFailure("s")
	r.RecordFailure("s")
	r.RecordSuccess("s")
	r.RecordFailure("s")
	r.RecordFailure("s")
	assert.Equal(t, CircuitClosed, r.State("s"))
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	r, clock := newTestBreakers(1)
	r.RecordFailure("s")
	require.Error(t, r.AllowRequest("s"))

	clock.Advance(11 * time.Second)
	require.NoError(t, r.AllowRequest("s"), "first trial after cooldown")
	assert.Error(t, r.AllowRequest("s"), "only one trial while half-open")

	assert.Equal(t, CircuitOpen, r.RecordFailure("s"), "failed trial reopens")

	clock.Advance(11 * time.Second)
	require.NoError(t, r.AllowRequest("s"))
	r.RecordSuccess("s")
	assert.Equal(t, CircuitClosed, r.State("s"))
}

func TestCircuitBreaker_Stats(t *testing.T) {
	r, _ := newTestBreakers(2)
	r.RecordFailure("a")
	r.RecordFailure("a")
	r.RecordSuccess("b")

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "open", stats["a"]["state"])
	assert.Equal(t, 2, stats["a"]["consecutive_failures"])
	assert.Equal(t, "closed", stats["b"]["state"])
}
