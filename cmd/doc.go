// Package cmd implements the command-line interface of ep-engine.
//
// The package is organized into several subpackages:
//
//   - serve: run an engine on a backing store and expose its management API
//   - perf: in-process load generator that reports throughput and flush statistics
//   - util: shared flag and configuration helpers (internal use)
//
// See ep-engine -help for a list of all commands.
package cmd
