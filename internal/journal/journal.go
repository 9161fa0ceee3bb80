// Package journal appends task activity to an NDJSON file so a run can
// be reconstructed after the process is gone.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drover-sh/drover/internal/task"
)

const (
	KindProgress = "progress"
	KindResult   = "result"

	// MaxRecordSize is the maximum encoded record size (256 KiB)
	MaxRecordSize = 256 * 1024
)

// Record is one journal line. Kind selects which fields are meaningful;
// progress records carry the tick fields, result records the terminal
// ones.
type Record struct {
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"ts"`
	TaskID      string    `json:"task_id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Tool        string    `json:"tool,omitempty"`

	Seq       uint64   `json:"seq,omitempty"`
	Message   string   `json:"message,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms,omitempty"`
	Percent   *float64 `json:"percent,omitempty"`
	CPUPct    float64  `json:"cpu_pct,omitempty"`
	RSSBytes  int64    `json:"rss_bytes,omitempty"`

	State       string `json:"state,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Encoding    string `json:"encoding,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	FromCache   bool   `json:"from_cache,omitempty"`
	EstimateLow bool   `json:"estimate_low,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Diagnostic  string `json:"diagnostic,omitempty"`
}

// Journal writes task records to an NDJSON file
type Journal struct {
	file   *os.File
	writer *bufio.Writer
	logger *slog.Logger
	mu     sync.Mutex
}

// Open creates or appends to a journal file
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// Open file for appending (create if not exists)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger,
	}, nil
}

// RecordProgress writes one progress tick to the journal
func (j *Journal) RecordProgress(fp string, spec task.CommandSpec, ev task.ProgressEvent) error {
	rec := Record{
		Kind:        KindProgress,
		Timestamp:   ev.Timestamp,
		TaskID:      ev.TaskID,
		Fingerprint: fp,
		Tool:        spec.Tool,
		Seq:         ev.Seq,
		Message:     ev.Message,
		ElapsedMs:   ev.Elapsed.Milliseconds(),
		Percent:     ev.Percent,
	}
	if ev.Stats != nil {
		rec.CPUPct = ev.Stats.CPUPercent
		rec.RSSBytes = ev.Stats.RSSBytes
	}
	return j.append(rec)
}

// RecordResult writes a terminal outcome to the journal
func (j *Journal) RecordResult(taskID, fp string, spec task.CommandSpec, res task.ExecutionResult) error {
	return j.append(Record{
		Kind:        KindResult,
		Timestamp:   time.Now().UTC(),
		TaskID:      taskID,
		Fingerprint: fp,
		Tool:        spec.Tool,
		State:       string(res.State),
		FailureKind: string(res.FailureKind),
		ExitCode:    res.ExitCode,
		Encoding:    res.Encoding,
		DurationMs:  res.Duration.Milliseconds(),
		FromCache:   res.FromCache,
		EstimateLow: res.EstimateLow,
		Truncated:   res.Truncated,
		Diagnostic:  res.Diagnostic,
	})
}

func (j *Journal) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if len(data) > MaxRecordSize {
		j.logger.Error("journal record exceeds size limit",
			"size", len(data),
			"limit", MaxRecordSize,
			"task", rec.TaskID)
		return fmt.Errorf("record size %d exceeds limit %d", len(data), MaxRecordSize)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately so tail readers see complete lines
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}

	return nil
}

// Close flushes and closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadRecords loads every record from a journal file
func ReadRecords(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, MaxRecordSize), MaxRecordSize)

	var records []Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("scanner error at line %d: %w", lineNum, err)
	}
	return records, nil
}
