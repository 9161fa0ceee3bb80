package cli

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drover-sh/drover/internal/journal"
	"github.com/drover-sh/drover/internal/task"
	"github.com/stretchr/testify/require"
)

func writeCliTestJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.ndjson")

	jnl, err := journal.Open(path, discardLogger())
	require.NoError(t, err)

	spec := task.CommandSpec{Tool: "indexer"}
	require.NoError(t, jnl.RecordProgress("fp-1", spec, task.ProgressEvent{
		TaskID:    "task-1",
		Seq:       1,
		Timestamp: time.Now(),
		Message:   "indexer running for 1s",
		Elapsed:   time.Second,
	}))
	require.NoError(t, jnl.RecordResult("task-1", "fp-1", spec, task.ExecutionResult{
		State:    task.StateSucceeded,
		ExitCode: 0,
		Duration: 2 * time.Second,
	}))
	require.NoError(t, jnl.Close())
	return path
}

func TestJournalCommandPrintsRecords(t *testing.T) {
	path := writeCliTestJournal(t)

	out, _, err := executeRoot(t, "journal", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "indexer running for 1s")
	require.Contains(t, lines[1], "succeeded")
}

func TestJournalCommandResultsOnly(t *testing.T) {
	path := writeCliTestJournal(t)

	out, _, err := executeRoot(t, "journal", "--results-only", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "succeeded")
	require.NotContains(t, out, "running for")
}

func TestJournalCommandMissingFile(t *testing.T) {
	_, _, err := executeRoot(t, "journal", filepath.Join(t.TempDir(), "absent.ndjson"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read journal")
}
