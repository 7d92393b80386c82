package common

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Engine configuration
// --------------------------------------------------------------------------

// Backend names accepted by EngineConfig.Backend
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// EngineConfig holds every parameter the serve command runs an engine with.
type EngineConfig struct {
	// Backing store
	Backend string
	DBPath  string

	// Flush tuning
	MinDataAge          time.Duration
	QueueAgeCap         time.Duration
	TxnSize             int
	CommitRetryInterval time.Duration

	// Memory layout
	NumShards int
	StartVB0  bool

	// Background workers
	MaxWorkers       int
	ReaderRatio      float64
	StatSnapInterval time.Duration

	// Process toggles
	NoPersistence       bool
	VerifyShutdownFlush bool

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string
}

// Validate checks the values that would make the engine misbehave
func (c *EngineConfig) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("backend %s needs a database path", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q, must be %s or %s", c.Backend, BackendSQLite, BackendMemory)
	}
	if c.TxnSize <= 0 {
		return fmt.Errorf("txn size must be positive, got %d", c.TxnSize)
	}
	if c.MinDataAge < 0 || c.QueueAgeCap < 0 {
		return fmt.Errorf("ages must not be negative")
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers)
	}
	if c.ReaderRatio < 0 || c.ReaderRatio > 1 {
		return fmt.Errorf("reader ratio must be within [0,1], got %g", c.ReaderRatio)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *EngineConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Backing Store")
	if c.NoPersistence {
		addField("Persistence", "disabled")
	} else {
		addField("Backend", c.Backend)
		if c.Backend == BackendSQLite {
			addField("Database", c.DBPath)
		}
	}

	addSection("Flusher")
	addField("Min Data Age", c.MinDataAge.String())
	addField("Queue Age Cap", c.QueueAgeCap.String())
	addField("Txn Size", fmt.Sprintf("%d", c.TxnSize))
	addField("Commit Retry", c.CommitRetryInterval.String())
	addField("Verify Shutdown", fmt.Sprintf("%t", c.VerifyShutdownFlush))

	addSection("Memory")
	addField("Shards", fmt.Sprintf("%d", c.NumShards))
	addField("Create vbucket 0", fmt.Sprintf("%t", c.StartVB0))

	addSection("Workers")
	addField("Max Workers", fmt.Sprintf("%d", c.MaxWorkers))
	addField("Reader Ratio", fmt.Sprintf("%.2f", c.ReaderRatio))
	addField("Stat Snapshot", c.StatSnapInterval.String())

	addSection("HTTP")
	addField("Endpoint", c.Endpoint)

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
