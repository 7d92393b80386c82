package util

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mickelfeng/ep-engine/lib/common"
	"github.com/mickelfeng/ep-engine/lib/dispatcher"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
	"github.com/mickelfeng/ep-engine/lib/kvstore/mem"
	"github.com/mickelfeng/ep-engine/lib/kvstore/sqlite"
	"github.com/mickelfeng/ep-engine/lib/store"
	"github.com/mickelfeng/ep-engine/lib/vbucket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of every environment variable (EP_<FLAG>)
	EnvPrefix = "ep"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads .env files and binds EP_ prefixed environment variables.
// EP_NO_PERSISTENCE and EP_VERIFY_SHUTDOWN_FLUSH map onto the flags of the
// same name.
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Engine flags
// --------------------------------------------------------------------------

// SetupEngineFlags adds the flags every command running an engine shares
func SetupEngineFlags(cmd *cobra.Command, defaultBackend string) {
	key := "backend"
	cmd.PersistentFlags().String(key, defaultBackend, WrapString("Backing store to persist to (sqlite, memory)"))

	key = "db-path"
	cmd.PersistentFlags().String(key, "ep.db", WrapString("Path of the SQLite database file (sqlite backend only)"))

	key = "min-data-age"
	cmd.PersistentFlags().Duration(key, store.DefaultMinDataAge, WrapString("Minimum time a value must stay unmodified before the flusher persists it"))

	key = "queue-age-cap"
	cmd.PersistentFlags().Duration(key, store.DefaultQueueAgeCap, WrapString("Maximum time a value may stay dirty before it is persisted regardless of min-data-age"))

	key = "txn-size"
	cmd.PersistentFlags().Int(key, store.DefaultTxnSize, WrapString("Number of items per backend transaction"))

	key = "commit-retry-interval"
	cmd.PersistentFlags().Duration(key, time.Second, WrapString("Upper bound of the backoff between failed commits"))

	key = "shards"
	cmd.PersistentFlags().Int(key, runtime.NumCPU()*4, WrapString("Number of lock shards per vbucket hash table"))

	key = "start-vb0"
	cmd.PersistentFlags().Bool(key, true, WrapString("Create vbucket 0 in the active state on startup"))

	key = "max-workers"
	cmd.PersistentFlags().Int(key, dispatcher.DefaultWorkloadPolicy().MaxWorkers, WrapString("Number of background worker goroutines"))

	key = "reader-ratio"
	cmd.PersistentFlags().Float64(key, dispatcher.DefaultWorkloadPolicy().ReaderRatio, WrapString("Share of workers reserved for reader tasks (background fetches)"))

	key = "stat-snap-interval"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Log a statistics line at this interval (0 disables it)"))

	key = "no-persistence"
	cmd.PersistentFlags().Bool(key, false, WrapString("Keep all mutations in memory and never write to the backing store"))

	key = "verify-shutdown-flush"
	cmd.PersistentFlags().Bool(key, false, WrapString("Fail the shutdown if dirty values remain after the final flush"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetEngineConfig reads the engine configuration from viper and validates it
func GetEngineConfig() (*common.EngineConfig, error) {
	conf := &common.EngineConfig{
		Backend:             viper.GetString("backend"),
		DBPath:              viper.GetString("db-path"),
		MinDataAge:          viper.GetDuration("min-data-age"),
		QueueAgeCap:         viper.GetDuration("queue-age-cap"),
		TxnSize:             viper.GetInt("txn-size"),
		CommitRetryInterval: viper.GetDuration("commit-retry-interval"),
		NumShards:           viper.GetInt("shards"),
		StartVB0:            viper.GetBool("start-vb0"),
		MaxWorkers:          viper.GetInt("max-workers"),
		ReaderRatio:         viper.GetFloat64("reader-ratio"),
		StatSnapInterval:    viper.GetDuration("stat-snap-interval"),
		NoPersistence:       viper.GetBool("no-persistence"),
		VerifyShutdownFlush: viper.GetBool("verify-shutdown-flush"),
		Endpoint:            viper.GetString("endpoint"),
		LogLevel:            viper.GetString("log-level"),
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// --------------------------------------------------------------------------
// Engine assembly
// --------------------------------------------------------------------------

// Engine bundles a store with the dispatcher and backend it runs on.
type Engine struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Backend    kvstore.KVStore
}

// OpenEngine opens the backing store, restores persisted vbucket states and
// starts a store on a fresh dispatcher.
func OpenEngine(conf *common.EngineConfig) (*Engine, error) {
	var (
		backend kvstore.KVStore
		states  map[uint16]string
	)
	switch conf.Backend {
	case common.BackendSQLite:
		db, err := sqlite.Open(conf.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open backing store: %w", err)
		}
		if states, err = db.LoadVBucketStates(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("load vbucket states: %w", err)
		}
		backend = db
	case common.BackendMemory:
		backend = mem.New()
	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}

	d := dispatcher.New(dispatcher.WorkloadPolicy{
		MaxWorkers:  conf.MaxWorkers,
		ReaderRatio: conf.ReaderRatio,
	})
	d.Start()

	s := store.New(backend, d, store.Options{
		MinDataAge:          conf.MinDataAge,
		QueueAgeCap:         conf.QueueAgeCap,
		TxnSize:             conf.TxnSize,
		NumShards:           conf.NumShards,
		DoPersistence:       !conf.NoPersistence,
		VerifyShutdownFlush: conf.VerifyShutdownFlush,
		StartVB0:            conf.StartVB0,
		CommitRetryInterval: conf.CommitRetryInterval,
		StatSnapInterval:    conf.StatSnapInterval,
	})

	e := &Engine{Store: s, Dispatcher: d, Backend: backend}
	for id, name := range states {
		state, err := vbucket.ParseState(name)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("restore vbucket %d: %w", id, err)
		}
		s.SetVBucketState(id, state)
	}
	return e, nil
}

// Close drains the store, then stops the workers and closes the backend.
// The drain error is returned first.
func (e *Engine) Close() error {
	err := e.Store.Close()
	e.Dispatcher.Stop()
	if cerr := e.Backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
