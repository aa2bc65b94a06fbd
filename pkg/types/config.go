package types

import (
	"errors"
	"time"
)

// Config defaults.
const (
	DefaultPollWait       = 10 * time.Second
	DefaultMaxRecursion   = 100
	DefaultMaxPollRetries = 38
	DefaultBusyRetries    = 9
)

// Config describes one strata store.
type Config struct {
	// Path is the database file, or ":memory:" for a private in-memory
	// store. In-memory and read-only stores share a single connection for
	// reads and writes.
	Path string `mapstructure:"path"`
	// ReadOnly opens the store without a write connection; Dispatch fails
	// with ErrReadOnly.
	ReadOnly bool `mapstructure:"read_only"`

	// PollWait bounds the cross-process wait for new events; writers in
	// other processes are observed at most this long after commit.
	PollWait time.Duration `mapstructure:"poll_wait"`
	// MaxRecursion bounds sub-event nesting per top-level event.
	MaxRecursion int `mapstructure:"max_recursion"`
	// MaxPollRetries bounds consecutive poll-loop failures before the
	// engine gives up.
	MaxPollRetries int `mapstructure:"max_poll_retries"`
	// BusyRetries bounds retries of a storage call or transaction begin
	// hitting lock contention.
	BusyRetries int `mapstructure:"busy_retries"`

	// KnownV fast-forwards the event sequence on open, reconciling a
	// version tracked by legacy storage with the physical sequence.
	KnownV int64 `mapstructure:"known_v"`
}

// Validate checks the configuration and reports the first problem.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("config: path is required")
	}
	if c.PollWait < 0 || c.MaxRecursion < 0 || c.MaxPollRetries < 0 || c.BusyRetries < 0 {
		return errors.New("config: limits must not be negative")
	}
	return nil
}

// InMemory reports whether the store lives only in memory.
func (c Config) InMemory() bool {
	return c.Path == ":memory:"
}

// WithDefaults fills unset tunables with the package defaults.
func (c Config) WithDefaults() Config {
	if c.PollWait == 0 {
		c.PollWait = DefaultPollWait
	}
	if c.MaxRecursion == 0 {
		c.MaxRecursion = DefaultMaxRecursion
	}
	if c.MaxPollRetries == 0 {
		c.MaxPollRetries = DefaultMaxPollRetries
	}
	if c.BusyRetries == 0 {
		c.BusyRetries = DefaultBusyRetries
	}
	return c
}
