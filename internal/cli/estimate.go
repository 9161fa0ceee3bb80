package cli

import (
	"fmt"

	"github.com/drover-sh/drover/internal/estimate"
	"github.com/spf13/cobra"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate <dir>",
	Short: "Estimate the execution budget for a workload",
	Long: `Estimate scans the given directory the way run does before launching a
tool and prints the workload signals together with the budget they
produce. Nothing is executed.`,
	Args: cobra.ExactArgs(1),
	RunE: runEstimate,
}

func runEstimate(cmd *cobra.Command, args []string) error {
	levelName, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	logger, err := newLogger(levelName, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, _, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sig, err := estimate.PreScan(cmd.Context(), args[0], cfg.Timeouts.PreScanBox())
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", args[0], err)
	}

	budget := estimate.Timeout(estimate.Params{
		Base:         cfg.Timeouts.Base(),
		Max:          cfg.Timeouts.Max(),
		PerItemChunk: cfg.Timeouts.PerItemChunk(),
		PerGiB:       cfg.Timeouts.PerGiB(),
	}, sig)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Items:  %d\n", sig.Items)
	fmt.Fprintf(out, "Bytes:  %s\n", humanBytes(sig.Bytes))
	fmt.Fprintf(out, "Budget: %s\n", budget)
	if sig.Truncated {
		fmt.Fprintln(out, "Note: the scan hit its time box, so the budget may run low for the full workload.")
	}
	return nil
}

// humanBytes renders a byte count for command output
func humanBytes(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
