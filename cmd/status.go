package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/procurewatch/tendercrawl/internal/portal"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print checkpoints, suspensions and document-queue stats",
		RunE:  runStatusCommand,
	}
	cmd.Flags().Bool("json", false, "machine-readable output")
	return cmd
}

type statusReport struct {
	Targets   []targetReport                  `json:"targets"`
	Documents map[portal.ExtractionStatus]int `json:"documents"`
}

type targetReport struct {
	Target          string    `json:"target"`
	LastGoodPage    int       `json:"last_good_page"`
	ResumePage      int       `json:"resume_page"`
	Corruption      int       `json:"corruption_events"`
	Suspended       bool      `json:"suspended"`
	SuspendedReason string    `json:"suspended_reason,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	checkpoints, err := appInstance.Stores().Checkpoints.List(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	counts, err := appInstance.Stores().Documents.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("document stats: %w", err)
	}

	report := statusReport{Documents: counts, Targets: make([]targetReport, 0, len(checkpoints))}
	for _, cp := range checkpoints {
		report.Targets = append(report.Targets, targetReport{
			Target:          cp.Target.Key(),
			LastGoodPage:    cp.LastGoodPage,
			ResumePage:      cp.ResumePage(),
			Corruption:      cp.CorruptionEventCount,
			Suspended:       cp.Suspended,
			SuspendedReason: cp.SuspendedReason,
			UpdatedAt:       cp.UpdatedAt,
		})
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	out := cmd.OutOrStdout()
	if len(report.Targets) == 0 {
		fmt.Fprintln(out, "no checkpoints")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tLAST GOOD\tRESUME\tCORRUPTION\tSTATE\tUPDATED")
		for _, tr := range report.Targets {
			state := "ok"
			if tr.Suspended {
				state = "suspended: " + tr.SuspendedReason
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
				tr.Target, tr.LastGoodPage, tr.ResumePage, tr.Corruption,
				state, tr.UpdatedAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "documents:")
	for _, status := range []portal.ExtractionStatus{
		portal.ExtractionPending,
		portal.ExtractionRetryScheduled,
		portal.ExtractionSuccess,
		portal.ExtractionFailed,
	} {
		fmt.Fprintf(out, "  %s\t%d\n", status, counts[status])
	}
	return nil
}
