package store

import (
	"runtime"
	"time"
)

// Defaults of the flush thresholds
const (
	DefaultMinDataAge  = 3 * time.Second
	DefaultQueueAgeCap = 900 * time.Second
	DefaultTxnSize     = 250
)

// Options configures a Store.
type Options struct {
	// MinDataAge is how long a value must stay unmodified before it is
	// eligible for persistence.
	MinDataAge time.Duration
	// QueueAgeCap is the maximum time a value may stay dirty before it is
	// persisted regardless of MinDataAge.
	QueueAgeCap time.Duration
	// TxnSize bounds the number of items per backend transaction.
	TxnSize int
	// NumShards is the number of lock shards per vbucket hash table.
	NumShards int

	// DoPersistence disables the dirty queue when false.
	DoPersistence bool
	// VerifyShutdownFlush makes Close fail when dirty values survive the final flush.
	VerifyShutdownFlush bool
	// StartVB0 creates vbucket 0 in the active state.
	StartVB0 bool

	// CommitRetryInterval caps the backoff between failed commits.
	CommitRetryInterval time.Duration
	// FlusherMaxSleep caps the sleep of the flusher between cycles.
	FlusherMaxSleep time.Duration
	// StatSnapInterval schedules a periodic stats log line when positive.
	StatSnapInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions returns the options a standalone engine starts with
func DefaultOptions() Options {
	return Options{
		MinDataAge:          DefaultMinDataAge,
		QueueAgeCap:         DefaultQueueAgeCap,
		TxnSize:             DefaultTxnSize,
		NumShards:           runtime.NumCPU() * 4,
		DoPersistence:       true,
		StartVB0:            true,
		CommitRetryInterval: time.Second,
		FlusherMaxSleep:     time.Second,
		Clock:               time.Now,
	}
}

// withDefaults fills zero values that would make the store unusable
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TxnSize <= 0 {
		o.TxnSize = d.TxnSize
	}
	if o.NumShards <= 0 {
		o.NumShards = d.NumShards
	}
	if o.CommitRetryInterval <= 0 {
		o.CommitRetryInterval = d.CommitRetryInterval
	}
	if o.FlusherMaxSleep <= 0 {
		o.FlusherMaxSleep = d.FlusherMaxSleep
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}
