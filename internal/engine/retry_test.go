package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesThenClamps(t *testing.T) {
	base := time.Second
	max := 60 * time.Second

	assert.Equal(t, 1*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 2*time.Second, Backoff(base, max, 2))
	assert.Equal(t, 4*time.Second, Backoff(base, max, 3))
	assert.Equal(t, 32*time.Second, Backoff(base, max, 6))
	assert.Equal(t, 60*time.Second, Backoff(base, max, 7))
	assert.Equal(t, 60*time.Second, Backoff(base, max, 8))
}

func TestBackoffFloorsAttempt(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, time.Minute, 0))
	assert.Equal(t, time.Second, Backoff(time.Second, time.Minute, -3))
}

func TestBackoffOverflowClampsToMax(t *testing.T) {
	// Enough doublings to overflow int64 nanoseconds.
	got := Backoff(time.Second, 5*time.Minute, 80)
	assert.Equal(t, 5*time.Minute, got)
}

func TestOCCBackoffMillisecondScale(t *testing.T) {
	cfg := Config{BaseRetryDelay: time.Second, MaxRetryDelay: 60 * time.Second}.WithDefaults()

	assert.Equal(t, time.Millisecond, cfg.occBackoff(1))
	assert.Equal(t, 2*time.Millisecond, cfg.occBackoff(2))
	assert.Equal(t, 60*time.Millisecond, cfg.occBackoff(10))
}

func TestOCCBackoffGuardsSubMillisecondBase(t *testing.T) {
	cfg := Config{BaseRetryDelay: 500 * time.Nanosecond, MaxRetryDelay: time.Millisecond}.WithDefaults()
	// WithDefaults replaces zero values only; a tiny base still divides to zero.
	d := cfg.occBackoff(1)
	assert.GreaterOrEqual(t, d, time.Millisecond)
}

func TestScheduleBackoffUsesConfiguredBounds(t *testing.T) {
	cfg := Config{BaseRetryDelay: 2 * time.Second, MaxRetryDelay: 10 * time.Second}.WithDefaults()

	assert.Equal(t, 2*time.Second, cfg.scheduleBackoff(1))
	assert.Equal(t, 4*time.Second, cfg.scheduleBackoff(2))
	assert.Equal(t, 8*time.Second, cfg.scheduleBackoff(3))
	assert.Equal(t, 10*time.Second, cfg.scheduleBackoff(4))
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, DefaultSchemaPrefix, cfg.SchemaPrefix)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseRetryDelay)
	assert.Equal(t, 60*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, "ledger", cfg.ProcessorName)
	assert.Equal(t, OnErrorFail, cfg.OnError)
}
