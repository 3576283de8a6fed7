package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/procurewatch/tendercrawl/internal/config"
	"github.com/procurewatch/tendercrawl/internal/portal"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run crawls for one or more targets",
		Long: `Crawls each target from its checkpoint until the listing is exhausted,
the page limit trips, or the target suspends. Targets come from --target
keys, the --category/--year/--from/--to flags, a --targets-file, or the
targets block of the config file, in that order of precedence.`,
		RunE: runCrawlCommand,
	}

	cmd.Flags().StringSlice("target", nil, "target key category/window/mode, repeatable")
	cmd.Flags().String("category", "", "tender category (active|awarded|cancelled|contracts)")
	cmd.Flags().Int("year", 0, "archive year window")
	cmd.Flags().String("from", "", "date window start, YYYY-MM-DD")
	cmd.Flags().String("to", "", "date window end, YYYY-MM-DD")
	cmd.Flags().String("mode", "modal", "filter mode (modal|server-filter)")
	cmd.Flags().String("targets-file", "", "YAML file with a targets list")
	cmd.Flags().Int("page-limit", 0, "cap pages handled per run, 0 is unlimited")
	cmd.Flags().Bool("force-full-scan", false, "disable the early exit on known records")

	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	targets, err := crawlTargets(cmd, appInstance.Config())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(targets))
	for _, target := range targets {
		keys = append(keys, target.Key())
	}
	logger.Info("starting crawl", zap.Strings("targets", keys))

	summaries, err := appInstance.Supervisor().RunAll(cmd.Context(), targets)
	for _, sum := range summaries {
		status := "done"
		if sum.Suspended {
			status = "suspended"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tpages=%d new=%d corruption=%d recoveries=%d elapsed=%s\n",
			sum.Target.Key(), status, sum.PagesProcessed, sum.NewRecords,
			sum.CorruptionEvents, sum.Recoveries, sum.Elapsed.Round(time.Second))
	}
	if err != nil {
		return fmt.Errorf("crawl finished with failures: %w", err)
	}
	return nil
}

// crawlTargets resolves the target list for one invocation.
func crawlTargets(cmd *cobra.Command, cfg *config.Config) ([]portal.CrawlTarget, error) {
	flags := cmd.Flags()

	if keys, _ := flags.GetStringSlice("target"); len(keys) > 0 {
		targets := make([]portal.CrawlTarget, 0, len(keys))
		for _, key := range keys {
			target, err := portal.ParseTarget(key)
			if err != nil {
				return nil, fmt.Errorf("flag --target %q: %w", key, err)
			}
			targets = append(targets, target)
		}
		return targets, nil
	}

	if category, _ := flags.GetString("category"); category != "" {
		year, _ := flags.GetInt("year")
		from, _ := flags.GetString("from")
		to, _ := flags.GetString("to")
		mode, _ := flags.GetString("mode")
		target, err := config.TargetConfig{
			Category: category,
			Year:     year,
			From:     from,
			To:       to,
			Mode:     mode,
		}.CrawlTarget()
		if err != nil {
			return nil, err
		}
		return []portal.CrawlTarget{target}, nil
	}

	if path, _ := flags.GetString("targets-file"); path != "" {
		return loadTargetsFile(path)
	}

	targets, err := cfg.CrawlTargets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets: pass --target or declare targets in the config file")
	}
	return targets, nil
}

// loadTargetsFile reads a standalone YAML file with the same targets block
// the main config uses.
func loadTargetsFile(path string) ([]portal.CrawlTarget, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read targets file %s: %w", path, err)
	}
	var declared []config.TargetConfig
	if err := v.UnmarshalKey("targets", &declared); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}
	if len(declared) == 0 {
		return nil, fmt.Errorf("targets file %s declares no targets", path)
	}
	targets := make([]portal.CrawlTarget, 0, len(declared))
	for _, tc := range declared {
		target, err := tc.CrawlTarget()
		if err != nil {
			return nil, fmt.Errorf("targets file %s: %w", path, err)
		}
		targets = append(targets, target)
	}
	return targets, nil
}
