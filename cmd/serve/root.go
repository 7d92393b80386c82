package serve

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/lni/dragonboat/v4/logger"
	cmdUtil "github.com/mickelfeng/ep-engine/cmd/util"
	"github.com/mickelfeng/ep-engine/lib/admin"
	"github.com/mickelfeng/ep-engine/lib/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	log = logger.GetLogger("serve")

	serveCmdConfig *common.EngineConfig
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Run an engine and its management API",
		Long: `Run an engine on the configured backing store and serve its management API
(statistics, Prometheus metrics, flusher control, vbucket states). The configuration
can be set via command line flags or environment variables. The format of the
environment variables is EP_<flag> (e.g. EP_MIN_DATA_AGE=10s, EP_NO_PERSISTENCE=true)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupEngineFlags(ServeCmd, common.BackendSQLite)

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the management API will listen"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := cmdUtil.GetEngineConfig()
	if err != nil {
		return err
	}
	serveCmdConfig = conf
	return common.InitLoggers(conf.LogLevel)
}

// run serves until SIGINT or SIGTERM, then drains the dirty queue
func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Configuration:")
	fmt.Println(serveCmdConfig.String())

	engine, err := cmdUtil.OpenEngine(serveCmdConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := admin.New(engine.Store, viper.GetString("log-level") == "debug")
	serveErr := api.ListenAndServe(ctx, serveCmdConfig.Endpoint)
	if serveErr != nil {
		log.Errorf("management API failed: %v", serveErr)
	}

	log.Infof("shutting down, %d items queued", engine.Store.Info().QueueSize)
	if err := engine.Close(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Infof("shutdown complete")
	return serveErr
}
