// Package cli implements the muncher command line.
package cli

import (
	"context"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atgraph/muncher/pkg/config"
)

var log = logging.Logger("cmd")

var (
	logLevel string
	rootCmd  = &cobra.Command{
		Use:   "muncher",
		Short: "Ingests signed moderation labels from federated labelers",
		Long: `Muncher subscribes to the label streams of a configured set of labelers,
verifies every label against the publisher's declared signing key and
label values, and appends accepted labels to the application's label
store. Takedown labels from a trusted moderation service can optionally
be propagated to the moderation dataplane.`,
	}
)

func init() {
	cobra.OnInitialize(initLogging, initConfig)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	lvl, err := logging.LevelFromString(logLevel)
	if err != nil {
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)
}

func initConfig() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("MUNCHER")
	config.SetDefaults(viper.GetViper())
}

// ExecuteContext runs the CLI and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error(err)
		return 1
	}
	return 0
}
