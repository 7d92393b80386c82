package perf

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/mickelfeng/ep-engine/cmd/util"
	"github.com/mickelfeng/ep-engine/lib/common"
	"github.com/mickelfeng/ep-engine/lib/hashtable"
	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/stats"
	"github.com/mickelfeng/ep-engine/lib/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	log = logger.GetLogger("perf")

	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Measure throughput of an in-process engine",
		Long: `Run benchmarks against an in-process engine. After the benchmarks the engine is
closed, which drains the dirty queue, and the flush statistics are printed.`,
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfConfig           *common.EngineConfig
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	util.SetupEngineFlags(PerfCmd, common.BackendMemory)

	// add flags
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := util.GetEngineConfig()
	if err != nil {
		return err
	}
	perfConfig = conf

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfKeySpread <= 0 || perfNumThreads <= 0 {
		return fmt.Errorf("keys and threads must be positive")
	}
	return common.InitLoggers(conf.LogLevel)
}

// benchmark is one named workload
type benchmark struct {
	name  string
	setup func(keys []string)
	op    func(key string, counter int) error
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for ep-engine")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(perfConfig.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	engine, err := util.OpenEngine(perfConfig)
	if err != nil {
		return err
	}
	s := engine.Store

	set := func(key string, value []byte) error {
		_, err := s.Set(item.New(key, value, 0, 0, 0))
		return err
	}
	fill := func(keys []string) {
		for _, k := range keys {
			if err := set(k, []byte("test")); err != nil {
				log.Warningf("error setting key %s: %v", k, err)
			}
		}
	}
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	benchmarks := []benchmark{
		{
			name: "set",
			op:   func(key string, _ int) error { return set(key, []byte("test")) },
		},
		{
			name: "set-large",
			op:   func(key string, _ int) error { return set(key, largeValue) },
		},
		{
			name:  "get",
			setup: fill,
			op: func(key string, _ int) error {
				_, _, err := s.Get(key, 0)
				return err
			},
		},
		{
			name:  "delete",
			setup: fill,
			op: func(key string, _ int) error {
				_, err := s.Delete(key, 0)
				return err
			},
		},
		{
			name:  "get-locked",
			setup: fill,
			op: func(key string, _ int) error {
				it, outcome, err := s.GetLocked(key, 0, s.Now(), time.Second)
				if err != nil || outcome != hashtable.LockAcquired {
					return err
				}
				// the lock cas unlocks the value, other threads may have won the key meanwhile
				unlock := item.New(key, it.Value, it.Flags, 0, 0)
				unlock.Cas = it.Cas
				if _, err := s.Set(unlock); err != nil && !errors.Is(err, store.ErrInvalidCAS) && !errors.Is(err, store.ErrLocked) {
					return err
				}
				return nil
			},
		},
		{
			name:  "mixed",
			setup: fill,
			op: func(key string, counter int) error {
				var err error
				switch counter % 3 {
				case 0: // set
					err = set(key, []byte("test"))
				case 1: // get
					_, _, err = s.Get(key, 0)
				case 2: // delete
					_, err = s.Delete(key, 0)
				}
				return err
			},
		},
	}

	fmt.Println("starting tests...")
	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		res := runBenchmark(bm)
		results[bm.name] = res
		printResult(bm.name, res)
	}

	fmt.Println()
	fmt.Println("draining dirty queue...")
	start := time.Now()
	closeErr := engine.Close()
	fmt.Printf("drained in %s\n", time.Since(start))
	printStats(s.Stats())

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return closeErr
}

// runBenchmark runs one workload in parallel over the key spread
func runBenchmark(bm benchmark) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip(bm.name) {
			return
		}

		getKey, keys := getKeys(bm.name)
		if bm.setup != nil {
			bm.setup(keys)
		}

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := bm.op(getKey(counter), counter); err != nil {
					log.Warningf("(%s) - error: %v", bm.name, err)
				}
				counter++
			}
		})
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates the test keys and a function to pick one by index (with wraparound)
func getKeys(prefix string) (func(int) string, []string) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}
	return getKey, keys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// printStats prints the flush statistics after the drain
func printStats(snap stats.Snapshot) {
	fmt.Println()
	fmt.Println("Flush statistics:")
	fmt.Printf("  %-18s%d\n", "enqueued", snap.TotalEnqueued)
	fmt.Printf("  %-18s%d\n", "persisted", snap.TotalPersisted)
	fmt.Printf("  %-18s%d\n", "too young", snap.TooYoung)
	fmt.Printf("  %-18s%d\n", "too old", snap.TooOld)
	fmt.Printf("  %-18s%d\n", "flush failed", snap.FlushFailed)
	fmt.Printf("  %-18s%d\n", "commit failed", snap.CommitFailed)
	fmt.Printf("  %-18s%s\n", "flush duration hw", snap.FlushDurationHW)
	fmt.Printf("  %-18s%s\n", "commit time", snap.CommitTime)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Backend", "MinDataAge", "TxnSize", "Shards", "Workers",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			perfConfig.Backend,
			perfConfig.MinDataAge.String(),
			strconv.Itoa(perfConfig.TxnSize),
			strconv.Itoa(perfConfig.NumShards),
			strconv.Itoa(perfConfig.MaxWorkers),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
