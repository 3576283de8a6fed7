package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procurewatch/tendercrawl/internal/api"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API and both subsystems",
		Long: `Serves the operator HTTP API and keeps the document pipeline polling in
the background. Crawls start on demand through POST /v1/crawls and run
under the supervisor's concurrency cap. SIGINT or SIGTERM drains
everything gracefully.`,
		RunE: runServeCommand,
	}
	cmd.Flags().Int("port", 0, "API listen port, overrides the config")
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	server, err := api.NewServer(api.Config{
		AuthEnabled:    cfg.API.AuthEnabled,
		APIKey:         cfg.API.APIKey,
		RequestTimeout: cfg.API.RequestTimeout,
	}, api.Deps{
		Checkpoints: appInstance.Stores().Checkpoints,
		Documents:   appInstance.Stores().Documents,
		Launcher:    appInstance.Crawls(),
		Governor:    appInstance.Governor(),
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		logger.Info("api server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Pipeline polling ends with the group context; a clean
		// cancellation is not a failure.
		return appInstance.Pipeline().Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down api server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
