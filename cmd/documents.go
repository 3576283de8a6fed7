package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

func newDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Run the document pipeline",
		Long: `Processes queued document references: fetch, archive, extract text,
embed, persist. By default the pending queue is drained once and the
command exits; with --follow the pipeline keeps polling until
interrupted.`,
		RunE: runDocumentsCommand,
	}
	cmd.Flags().Bool("follow", false, "keep polling for new documents instead of exiting when the queue is empty")
	return cmd
}

func runDocumentsCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()
	pipeline := appInstance.Pipeline()

	follow, _ := cmd.Flags().GetBool("follow")
	if follow {
		logger.Info("document pipeline following queue")
		if err := pipeline.Run(cmd.Context()); err != nil {
			return fmt.Errorf("document pipeline: %w", err)
		}
		return nil
	}

	logger.Info("draining document queue")
	if err := pipeline.Drain(cmd.Context()); err != nil {
		return fmt.Errorf("drain documents: %w", err)
	}

	counts, err := appInstance.Stores().Documents.CountByStatus(cmd.Context())
	if err != nil {
		logger.Warn("document stats unavailable", zap.Error(err))
		return nil
	}
	for _, status := range []portal.ExtractionStatus{
		portal.ExtractionPending,
		portal.ExtractionRetryScheduled,
		portal.ExtractionSuccess,
		portal.ExtractionFailed,
	} {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", status, counts[status])
	}
	return nil
}
