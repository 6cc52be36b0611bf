package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atgraph/muncher/pkg/config"
	"github.com/atgraph/muncher/pkg/muncher"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the label ingestion engine",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("database-url", "", "Connection string of the relational label store")
	cobra.CheckErr(viper.BindPFlag("database_url", serveCmd.Flags().Lookup("database-url")))

	serveCmd.Flags().String("database-schema", "", "Schema namespace for the label table")
	cobra.CheckErr(viper.BindPFlag("database_schema", serveCmd.Flags().Lookup("database-schema")))

	serveCmd.Flags().String("labeler-dids", "", "Comma-separated publisher DIDs to subscribe to")
	cobra.CheckErr(viper.BindPFlag("labeler_dids", serveCmd.Flags().Lookup("labeler-dids")))

	serveCmd.Flags().String("plc-directory-url", "", "Base URL of the PLC identity directory")
	cobra.CheckErr(viper.BindPFlag("plc_directory_url", serveCmd.Flags().Lookup("plc-directory-url")))

	serveCmd.Flags().String("state-path", "", "Path of the local state database")
	cobra.CheckErr(viper.BindPFlag("state_path", serveCmd.Flags().Lookup("state-path")))

	serveCmd.Flags().String("mod-service-did", "", "Trusted moderation service DID for takedown propagation")
	cobra.CheckErr(viper.BindPFlag("mod_service_did", serveCmd.Flags().Lookup("mod-service-did")))

	serveCmd.Flags().String("dataplane-urls", "", "Comma-separated dataplane hosts for takedown RPCs")
	cobra.CheckErr(viper.BindPFlag("dataplane_urls", serveCmd.Flags().Lookup("dataplane-urls")))

	serveCmd.Flags().String("dataplane-http-version", "", "Dataplane transport version (1.1 or 2)")
	cobra.CheckErr(viper.BindPFlag("dataplane_http_version", serveCmd.Flags().Lookup("dataplane-http-version")))

	serveCmd.Flags().String("change-feed-url", "", "WebSocket endpoint of the change feed")
	cobra.CheckErr(viper.BindPFlag("change_feed_url", serveCmd.Flags().Lookup("change-feed-url")))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load[config.Config]()
	if err != nil {
		return err
	}

	m, err := muncher.New(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := m.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		m.Stop(stopCtx)
		return err
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.Stop(stopCtx)
}
