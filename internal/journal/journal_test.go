package journal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/drover-sh/drover/internal/task"
)

func TestJournalWriteRead(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "journal", "run.ndjson")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	j, err := Open(path, logger)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()

	taskID := uuid.New().String()
	fp := "sha256:abcd"
	spec := task.CommandSpec{Tool: "indexer", Args: []string{"--all"}}

	pct := 12.5
	ev := task.ProgressEvent{
		TaskID:    taskID,
		Seq:       1,
		Timestamp: time.Now().UTC(),
		Message:   "indexer running for 3s",
		Elapsed:   3 * time.Second,
		Percent:   &pct,
		Stats:     &task.ProcStats{CPUPercent: 85.0, RSSBytes: 1 << 20},
	}
	if err := j.RecordProgress(fp, spec, ev); err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}

	res := task.ExecutionResult{
		State:    task.StateSucceeded,
		ExitCode: 0,
		Encoding: "utf-8",
		Duration: 9500 * time.Millisecond,
	}
	if err := j.RecordResult(taskID, fp, spec, res); err != nil {
		t.Fatalf("failed to record result: %v", err)
	}

	if err := j.Close(); err != nil {
		t.Fatalf("failed to close journal: %v", err)
	}

	records, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	prog := records[0]
	if prog.Kind != KindProgress {
		t.Errorf("first record kind = %q, want %q", prog.Kind, KindProgress)
	}
	if prog.TaskID != taskID {
		t.Errorf("task id = %q, want %q", prog.TaskID, taskID)
	}
	if prog.Tool != "indexer" {
		t.Errorf("tool = %q", prog.Tool)
	}
	if prog.Seq != 1 {
		t.Errorf("seq = %d, want 1", prog.Seq)
	}
	if prog.ElapsedMs != 3000 {
		t.Errorf("elapsed_ms = %d, want 3000", prog.ElapsedMs)
	}
	if prog.Percent == nil || *prog.Percent != 12.5 {
		t.Errorf("percent = %v, want 12.5", prog.Percent)
	}
	if prog.CPUPct != 85.0 {
		t.Errorf("cpu_pct = %f", prog.CPUPct)
	}

	final := records[1]
	if final.Kind != KindResult {
		t.Errorf("second record kind = %q, want %q", final.Kind, KindResult)
	}
	if final.State != string(task.StateSucceeded) {
		t.Errorf("state = %q", final.State)
	}
	if final.DurationMs != 9500 {
		t.Errorf("duration_ms = %d, want 9500", final.DurationMs)
	}
	if final.Fingerprint != fp {
		t.Errorf("fingerprint = %q", final.Fingerprint)
	}
}

func TestJournalDirectoryCreation(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "dirs", "run.ndjson")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	j, err := Open(path, logger)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Error("journal directory was not created")
	}
}

func TestJournalAppendsAcrossOpens(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "run.ndjson")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spec := task.CommandSpec{Tool: "scanner"}

	for i := 0; i < 2; i++ {
		j, err := Open(path, logger)
		if err != nil {
			t.Fatalf("failed to open journal: %v", err)
		}
		res := task.ExecutionResult{State: task.StateSucceeded}
		if err := j.RecordResult(uuid.New().String(), "sha256:ffff", spec, res); err != nil {
			t.Fatalf("failed to record result: %v", err)
		}
		if err := j.Close(); err != nil {
			t.Fatalf("failed to close journal: %v", err)
		}
	}

	records, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records after two opens, want 2", len(records))
	}
}

func TestJournalRejectsOversizeRecord(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "run.ndjson")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	j, err := Open(path, logger)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	defer j.Close()

	res := task.ExecutionResult{
		State:      task.StateFailed,
		Diagnostic: strings.Repeat("x", MaxRecordSize),
	}
	err = j.RecordResult("t-1", "sha256:big", task.CommandSpec{Tool: "hog"}, res)
	if err == nil {
		t.Fatal("expected oversize record to be rejected")
	}
	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadRecordsSkipsBlankLines(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "run.ndjson")

	content := `{"kind":"result","ts":"2025-01-02T03:04:05Z","task_id":"a","state":"succeeded","exit_code":0}

{"kind":"result","ts":"2025-01-02T03:04:06Z","task_id":"b","state":"failed","exit_code":3}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	records, err := ReadRecords(path)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[1].ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", records[1].ExitCode)
	}
}

func TestReadRecordsMissingFile(t *testing.T) {
	_, err := ReadRecords(filepath.Join(t.TempDir(), "absent.ndjson"))
	if err == nil {
		t.Fatal("expected an error for a missing journal")
	}
}
