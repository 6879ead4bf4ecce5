package engine

import "time"

// OnErrorPolicy decides what happens to a command whose payload fails
// validation: retry leaves the item claimable again, fail dead-letters it on
// the first attempt.
type OnErrorPolicy string

const (
	OnErrorRetry OnErrorPolicy = "retry"
	OnErrorFail  OnErrorPolicy = "fail"
)

// Config carries the engine's runtime settings. Zero values are filled in by
// WithDefaults.
type Config struct {
	// SchemaPrefix is the DB schema all tables live under.
	SchemaPrefix string
	// IdempotencySecret keys the HMAC command fingerprints. Required.
	IdempotencySecret []byte
	// PollInterval is the idle period of monitor and processors.
	PollInterval time.Duration
	// MaxRetries caps both OCC retries inside workers and scheduler retries.
	MaxRetries int
	// BaseRetryDelay and MaxRetryDelay bound the exponential backoff.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// ProcessorName tags processor_id values written to claimed items.
	ProcessorName string
	// OnError is the validation-failure policy.
	OnError OnErrorPolicy
}

const DefaultSchemaPrefix = "double_entry_ledger"

func (c Config) WithDefaults() Config {
	if c.SchemaPrefix == "" {
		c.SchemaPrefix = DefaultSchemaPrefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 60 * time.Second
	}
	if c.ProcessorName == "" {
		c.ProcessorName = "ledger"
	}
	if c.OnError == "" {
		c.OnError = OnErrorFail
	}
	return c
}
