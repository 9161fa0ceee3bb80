package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/drover-sh/drover/internal/charset"
	"github.com/drover-sh/drover/internal/task"
)

func testLauncher(t *testing.T, maxCapture int) *Launcher {
	t.Helper()
	neg, err := charset.New([]string{"utf-8", "windows-1252"}, "", nil)
	if err != nil {
		t.Fatalf("failed to build negotiator: %v", err)
	}
	return New(neg, maxCapture, nil)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test drives /bin/sh")
	}
}

func waitDone(t *testing.T, p *Proc, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatal("process did not finish in time")
	}
}

func TestLookupToolNotFound(t *testing.T) {
	l := testLauncher(t, 0)

	_, err := l.LookupTool("drover-definitely-not-installed")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("LookupTool() error = %v, want ErrToolNotFound", err)
	}
}

func TestStartToolNotFound(t *testing.T) {
	l := testLauncher(t, 0)

	_, err := l.Start(context.Background(), task.CommandSpec{Tool: "drover-definitely-not-installed"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("Start() error = %v, want ErrToolNotFound", err)
	}
}

func TestStartCancelledContext(t *testing.T) {
	l := testLauncher(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Start(ctx, task.CommandSpec{Tool: "sh"}); err == nil {
		t.Fatal("Start() with cancelled context succeeded")
	}
}

func TestStartCapturesStdout(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", `printf "hello from tool"`},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	out := p.Result()
	if out.Stdout != "hello from tool" {
		t.Errorf("Stdout = %q, want %q", out.Stdout, "hello from tool")
	}
	if out.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
	if out.Encoding != "utf-8" {
		t.Errorf("Encoding = %q, want utf-8", out.Encoding)
	}
	if out.Err != nil {
		t.Errorf("Err = %v, want nil", out.Err)
	}
}

func TestStartNonZeroExit(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", "echo scan failed >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	out := p.Result()
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if !strings.Contains(out.Stderr, "scan failed") {
		t.Errorf("Stderr = %q, want diagnostic text", out.Stderr)
	}
	// A non-zero exit is an outcome, not a wait failure
	if out.Err != nil {
		t.Errorf("Err = %v, want nil", out.Err)
	}
}

func TestStartDirAndEnv(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)
	dir := t.TempDir()

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", `printf "%s" "$DROVER_TEST_VALUE" > marker.txt`},
		Dir:  dir,
		Env:  map[string]string{"DROVER_TEST_VALUE": "present"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "marker.txt"))
	if err != nil {
		t.Fatalf("marker file not written: %v", err)
	}
	if string(data) != "present" {
		t.Errorf("marker = %q, want %q", data, "present")
	}
}

func TestCaptureTruncation(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 1024)

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", "yes | head -c 100000"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, p, 10*time.Second)

	out := p.Result()
	if !out.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(out.Stdout) != 1024 {
		t.Errorf("len(Stdout) = %d, want the 1024-byte head", len(out.Stdout))
	}
	if out.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
}

func TestSignalForceKill(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := p.Signal(false); err != nil {
		t.Fatalf("Signal(false) error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	out := p.Result()
	if out.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1 for a signalled process", out.ExitCode)
	}
	if out.Err != nil {
		t.Errorf("Err = %v, want nil for a signal exit", out.Err)
	}
}

func TestSignalGraceful(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", "sleep 30"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := p.Signal(true); err != nil {
		t.Fatalf("Signal(true) error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	if !p.Exited() {
		t.Error("Exited() = false after Done closed")
	}
}

func TestDecodeNonUTF8Output(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)

	// printf octal for 0xE9: latin bytes no UTF-8 decoder accepts
	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool: "sh",
		Args: []string{"-c", `printf "caf\351"`},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	out := p.Result()
	if out.Stdout != "café" {
		t.Errorf("Stdout = %q, want café", out.Stdout)
	}
	if out.Encoding != "windows-1252" {
		t.Errorf("Encoding = %q, want windows-1252", out.Encoding)
	}
}

func TestEncodingHintHonored(t *testing.T) {
	requireShell(t)
	l := testLauncher(t, 0)

	p, err := l.Start(context.Background(), task.CommandSpec{
		Tool:         "sh",
		Args:         []string{"-c", `printf "caf\351"`},
		EncodingHint: "iso-8859-1",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitDone(t, p, 5*time.Second)

	out := p.Result()
	if out.Encoding != "iso-8859-1" {
		t.Errorf("Encoding = %q, want the hinted iso-8859-1", out.Encoding)
	}
	if out.Stdout != "café" {
		t.Errorf("Stdout = %q, want café", out.Stdout)
	}
}
