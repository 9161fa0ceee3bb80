// Package launcher starts external tools, keeps their output drained into
// capped buffers, and exposes the primitives task supervision needs:
// liveness, signals and a decoded result.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/drover-sh/drover/internal/charset"
	"github.com/drover-sh/drover/internal/task"
)

// ErrToolNotFound marks a tool binary that could not be resolved.
// Callers must fail fast on it and never retry.
var ErrToolNotFound = errors.New("tool not found")

// DefaultMaxCapture bounds how much of each stream is kept in memory
const DefaultMaxCapture = 10 * 1024 * 1024

// Launcher starts processes on behalf of the supervisor
type Launcher struct {
	neg        *charset.Negotiator
	maxCapture int
	logger     *slog.Logger
}

// New creates a launcher. maxCapture limits the bytes retained per stream;
// zero or negative selects DefaultMaxCapture.
func New(neg *charset.Negotiator, maxCapture int, logger *slog.Logger) *Launcher {
	if maxCapture <= 0 {
		maxCapture = DefaultMaxCapture
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{neg: neg, maxCapture: maxCapture, logger: logger}
}

// LookupTool resolves the tool binary. A bare name is searched on PATH;
// paths are checked directly. The returned error wraps ErrToolNotFound.
func (l *Launcher) LookupTool(tool string) (string, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	return path, nil
}

// Start launches the tool described by spec. The returned Proc is already
// draining both output streams. ctx only gates the launch itself: once
// running, termination goes through Proc.Signal so shutdown can escalate
// gracefully instead of being killed outright.
func (l *Launcher) Start(ctx context.Context, spec task.CommandSpec) (*Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := l.LookupTool(spec.Tool)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, spec.Tool)
		}
		return nil, fmt.Errorf("failed to start %s: %w", spec.Tool, err)
	}

	p := &Proc{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
		stdout:  newCapBuffer(l.maxCapture),
		stderr:  newCapBuffer(l.maxCapture),
		neg:     l.neg,
		hint:    spec.EncodingHint,
		logger:  l.logger,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.drain(&readers, stdout, p.stdout)
	go p.drain(&readers, stderr, p.stderr)
	go p.waitForExit(&readers)

	l.logger.Debug("tool started", "tool", spec.Tool, "pid", p.pid, "dir", spec.Dir)
	return p, nil
}

// mergeEnv layers overrides onto the inherited environment. Later entries
// win in os/exec, so appending is enough.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, len(base), len(base)+len(overrides))
	copy(env, base)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// Output is the sealed capture of a finished process
type Output struct {
	Stdout    string
	Stderr    string
	Encoding  string
	ExitCode  int
	Truncated bool
	// Err is the wait error for abnormal terminations, nil on clean
	// exits including non-zero ones
	Err error
}

// Proc is one started process
type Proc struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	done    chan struct{}
	stdout  *capBuffer
	stderr  *capBuffer
	waitErr error

	neg    *charset.Negotiator
	hint   string
	logger *slog.Logger

	resultOnce sync.Once
	result     Output
}

// Pid returns the process ID
func (p *Proc) Pid() int {
	return p.pid
}

// StartedAt returns when the process was launched
func (p *Proc) StartedAt() time.Time {
	return p.started
}

// Done is closed once the process has exited and both captures are sealed
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has finished without blocking
func (p *Proc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Proc) drain(wg *sync.WaitGroup, r io.Reader, buf *capBuffer) {
	defer wg.Done()
	// capBuffer absorbs unlimited writes, so the pipe never backs up
	if _, err := io.Copy(buf, r); err != nil {
		p.logger.Debug("output drain ended early", "pid", p.pid, "error", err)
	}
}

func (p *Proc) waitForExit(readers *sync.WaitGroup) {
	// Pipes must be fully read before Wait reclaims them
	readers.Wait()
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Result decodes and returns the sealed output. It must only be called
// after Done is closed; the decode happens once and is then cached.
func (p *Proc) Result() Output {
	p.resultOnce.Do(func() {
		outRaw, outTrunc := p.stdout.bytesAndTruncated()
		errRaw, errTrunc := p.stderr.bytesAndTruncated()

		decodedOut := p.neg.Decode(outRaw, p.hint)
		decodedErr := p.neg.Decode(errRaw, p.hint)
		if decodedOut.Exhausted || decodedErr.Exhausted {
			p.logger.Warn("output defied every configured encoding",
				"pid", p.pid, "encoding", decodedOut.Encoding)
		}

		p.result = Output{
			Stdout:    decodedOut.Text,
			Stderr:    decodedErr.Text,
			Encoding:  decodedOut.Encoding,
			ExitCode:  exitStatus(p.waitErr),
			Truncated: outTrunc || errTrunc,
			Err:       abnormalError(p.waitErr),
		}
	})
	return p.result
}

// exitStatus maps a wait error to the conventional exit code
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// -1 means the process was killed by a signal
		return ee.ExitCode()
	}
	return -1
}

// abnormalError keeps wait errors that are not plain non-zero exits
func abnormalError(err error) error {
	var ee *exec.ExitError
	if err == nil || errors.As(err, &ee) {
		return nil
	}
	return err
}

// capBuffer keeps the head of a stream up to a byte cap. Writes past the
// cap are counted but discarded, so readers can drain a runaway tool
// without holding its output.
type capBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *capBuffer) bytesAndTruncated() ([]byte, bool) {
	return b.buf.Bytes(), b.truncated
}
