package cli

import (
	"fmt"

	"github.com/drover-sh/drover/internal/journal"
	"github.com/drover-sh/drover/internal/transcript"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal <file>",
	Short: "Print a task journal",
	Long: `Journal reads an NDJSON task journal written by run --journal and prints
one line per record.`,
	Args: cobra.ExactArgs(1),
	RunE: runJournal,
}

func init() {
	journalCmd.Flags().Bool("results-only", false, "Print only terminal results, skipping progress records")
}

func runJournal(cmd *cobra.Command, args []string) error {
	resultsOnly, err := cmd.Flags().GetBool("results-only")
	if err != nil {
		return err
	}

	records, err := journal.ReadRecords(args[0])
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	formatter := transcript.NewFormatter()
	out := cmd.OutOrStdout()
	for _, rec := range records {
		if resultsOnly && rec.Kind != journal.KindResult {
			continue
		}
		fmt.Fprintln(out, formatter.FormatRecord(rec))
	}
	return nil
}
