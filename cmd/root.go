package cmd

import (
	"fmt"
	"os"

	"github.com/mickelfeng/ep-engine/cmd/perf"
	"github.com/mickelfeng/ep-engine/cmd/serve"
	"github.com/mickelfeng/ep-engine/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ep-engine",
		Short: "eventually persistent key-value engine",
		Long: fmt.Sprintf(`ep-engine (v%s)

An in-memory, vbucket partitioned key-value engine that writes mutations
back to a transactional backing store in the background.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ep-engine",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ep-engine v%s\n", Version)
		},
	}
)

func init() {
	// read .env files and EP_ variables before any command runs
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
