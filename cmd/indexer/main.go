package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kirillkom/knowledge-indexer/internal/bootstrap"
	"github.com/kirillkom/knowledge-indexer/internal/config"
	"github.com/kirillkom/knowledge-indexer/internal/observability/logging"
)

var (
	jsonOutput bool
	app        *bootstrap.App
)

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Index documents and crawled pages for retrieval",
	Long: `Maintains a local vector index of uploaded documents and crawled web pages.
Configuration comes from the environment, optionally layered over the YAML file named by CONFIG_FILE.`,
	SilenceUsage:      true,
	PersistentPreRunE: openApp,
	PersistentPostRun: func(*cobra.Command, []string) {
		if app != nil {
			app.Close()
			app = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func openApp(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cmd.ErrOrStderr(), "indexer", cfg.LogLevel, cfg.LogFormat)
	app, err = bootstrap.New(cmd.Context(), cfg, bootstrap.Options{Service: "indexer", Logger: logger})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
