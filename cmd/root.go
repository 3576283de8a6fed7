// Package cmd implements the tendercrawl CLI: crawl runs, the document
// pipeline, the operator API server and status inspection. The root command
// loads configuration and builds the service container; subcommands pull it
// from the command context.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/app"
	"github.com/procurewatch/tendercrawl/internal/config"
	"github.com/procurewatch/tendercrawl/internal/crawl"
	"github.com/procurewatch/tendercrawl/internal/docpipe"
	"github.com/procurewatch/tendercrawl/internal/governor"
)

var cfgFile string

type appCtxKey struct{}

// App is the container surface commands consume. The factory variable lets
// tests swap in a container built from a canned config.
type App interface {
	Config() *config.Config
	Logger() *zap.Logger
	Stores() crawl.Stores
	Governor() *governor.Governor
	Pipeline() *docpipe.Pipeline
	Supervisor() *crawl.Supervisor
	Crawls() *crawl.Service
	Close(ctx context.Context)
}

var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tendercrawl",
		Short: "Acquisition core for the public procurement portal",
		Long: `tendercrawl continuously acquires tender records from the procurement
portal, survives the portal's silent filter corruption, and runs attached
documents through an extraction and embedding pipeline.`,
		SilenceUsage: true,

		// Build the container after flags are parsed and before the
		// subcommand runs. version stays usable without a config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, cfg)

			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appCtxKey{}, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appCtxKey{}).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./tendercrawl.yaml, /etc/tendercrawl/)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDocumentsCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// applyFlagOverrides layers subcommand flag values over the loaded config.
// Lookups miss for subcommands that do not define the flag.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("page-limit") {
		if n, err := flags.GetInt("page-limit"); err == nil {
			cfg.Crawl.PageLimit = n
		}
	}
	if flags.Changed("force-full-scan") {
		if b, err := flags.GetBool("force-full-scan"); err == nil {
			cfg.Crawl.ForceFullScan = b
		}
	}
	if flags.Changed("port") {
		if n, err := flags.GetInt("port"); err == nil {
			cfg.API.Port = n
		}
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appCtxKey{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI. The signal context installed here makes every
// subcommand interruptible; a crawl stopped mid-run flushes and checkpoints
// before the process exits.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
