// ============================================================================
// Cytoreport Job - one external process invocation
// ============================================================================
//
// Package: internal/worker
// File: job.go
// Function: launches a report/play process, streams its pipes through the
//           line reassembler and the frame parser, resolves a completion
//           future when the process exits
//
// Execution Model:
//   ┌───────────────┐   chunk   ┌──────────────────────────────────┐
//   │ pump(stdout)  │ ────────> │ consumer goroutine               │
//   └───────────────┘           │  for c := range chunks           │
//   ┌───────────────┐   chunk   │    Reassembler.Feed(c)           │
//   │ pump(stderr)  │ ────────> │    Parser.HandleLine(line)       │
//   └───────────────┘           │  cmd.Wait()                      │
//                               │  write artifact, resolve future  │
//                               └──────────────────────────────────┘
//
//   Each pipe has one reader goroutine, so chunks of one pipe arrive in
//   read order. Only the consumer touches the parser and its dataset.
//
// Completion:
//   - The future resolves once, after both pipes closed and the process
//     was reaped. The exit code is recorded but never inspected.
//   - Report jobs write their artifact before resolving.
//   - A deadline (Spec.Timeout) kills the process group and resolves with
//     OutcomeTimedOut; no artifact is written.
//
// Resource Management:
//   Close() kills the process group if it is still running and blocks until
//   the pumps and the consumer have exited. It is safe to call many times.
//   Signals are sent only while the child is unreaped (Handle.mu), so a
//   recycled pid is never hit. A deadline or Close that arrives after both
//   pipes closed still stops the process but keeps OutcomeCompleted.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/artifact"
	"github.com/ChuLiYu/cytoreport/internal/pipe"
	"github.com/ChuLiYu/cytoreport/internal/report"
)

const readBufferSize = 32 * 1024

// Launcher starts jobs.
type Launcher struct {
	Resolver    Resolver
	ImageFormat string       // render output format, "png" when empty
	Logger      *slog.Logger // slog.Default() when nil
}

// NewLauncher returns a launcher using r to locate the binaries.
func NewLauncher(r Resolver) *Launcher {
	return &Launcher{Resolver: r, ImageFormat: "png"}
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Handle is a running job: the process transport plus its completion future.
type Handle struct {
	spec   Spec
	cmd    *exec.Cmd
	parser *report.Parser // nil for render jobs
	logger *slog.Logger
	start  time.Time

	done   chan Result   // completion future, buffered 1
	exited chan struct{} // closed when the consumer goroutine returns

	// mu orders signals against reaping: while reaped is false the child
	// has not been waited for, so its pid and process group cannot have
	// been recycled.
	mu      sync.Mutex
	reaped  bool
	drained bool // both pipes closed; the output is complete

	timedOut  atomic.Bool
	cancelled atomic.Bool
	closeOnce sync.Once
}

type chunk struct {
	stream pipe.Stream
	data   []byte
}

// Launch resolves the binary, starts the process and returns its handle.
// Errors here are launch failures: no process is left behind.
func (l *Launcher) Launch(spec Spec) (*Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	logger := l.logger().With("job", spec.Key(), "kind", spec.Kind.String())

	var (
		bin    string
		args   []string
		dir    string
		parser *report.Parser
	)
	switch spec.Kind {
	case KindReport:
		p, err := report.NewParser(spec.Operation, logger)
		if err != nil {
			return nil, err
		}
		parser = p
		bin, args, dir = ReportBinary, ReportArgs(spec.Operation, spec.Frames), spec.SimDir
	case KindRender:
		bin, args, dir = RenderBinary, RenderArgs(spec.SimDir, spec.TempDir, l.ImageFormat, spec.Frames), spec.TempDir
	}

	path, err := l.Resolver.Resolve(bin)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	configureCommandProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Info("Launching job", "path", path, "args", args, "cwd", dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	h := &Handle{
		spec:   spec,
		cmd:    cmd,
		parser: parser,
		logger: logger.With("pid", cmd.Process.Pid),
		start:  time.Now(),
		done:   make(chan Result, 1),
		exited: make(chan struct{}),
	}
	go h.run(stdout, stderr)
	return h, nil
}

// Spec returns the spec the job was launched with.
func (h *Handle) Spec() Spec {
	return h.spec
}

// Pid returns the process id of the job.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is the completion future. It delivers exactly one Result.
func (h *Handle) Done() <-chan Result {
	return h.done
}

// Wait blocks until the future resolves or ctx ends. Giving up on the wait
// does not stop the process; Close does.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-h.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Exited is closed once the process has been reaped and its pipes drained.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Close terminates the process if it is still running and waits until
// nothing of the job remains.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.kill(func(drained bool) {
			if !drained {
				h.cancelled.Store(true)
			}
			h.logger.Warn("Terminating job")
		})
	})
	<-h.exited
	return nil
}

// kill signals the process group unless the child was already reaped.
// mark runs under the same lock, told whether the output was complete.
func (h *Handle) kill(mark func(drained bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reaped {
		return
	}
	if mark != nil {
		mark(h.drained)
	}
	terminateCommandProcess(h.cmd)
}

func (h *Handle) run(stdout, stderr io.Reader) {
	defer close(h.exited)

	var timer *time.Timer
	if h.spec.Timeout > 0 {
		timer = time.AfterFunc(h.spec.Timeout, func() {
			h.kill(func(drained bool) {
				// a deadline after the pipes closed only stops a lingering
				// process; the output is already whole
				if !drained {
					h.timedOut.Store(true)
				}
				h.logger.Warn("Job deadline exceeded", "timeout", h.spec.Timeout, "output_complete", drained)
			})
		})
	}

	chunks := make(chan chunk, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(pipe.Stdout, stdout, chunks, &wg)
	go pump(pipe.Stderr, stderr, chunks, &wg)
	go func() {
		wg.Wait()
		close(chunks)
	}()

	var r pipe.Reassembler
	var streamErr error
	for c := range chunks {
		if streamErr != nil {
			continue // drain until the killed process closes its pipes
		}
		if err := h.consume(&r, c); err != nil {
			streamErr = err
			h.logger.Error("Fatal stream error", "error", err)
			h.kill(nil)
		}
	}

	h.mu.Lock()
	h.drained = true
	h.mu.Unlock()

	waitErr := h.reap()
	if timer != nil {
		timer.Stop()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			h.logger.Error("Wait failed", "error", waitErr)
		}
	}

	result := h.finish(&r, streamErr)
	h.done <- result
}

// reap collects the child. Where the platform can block until the child is
// waitable without collecting it, the final Wait happens under mu so kill
// never races with pid reuse.
func (h *Handle) reap() error {
	if waitExited(h.cmd.Process.Pid) {
		h.mu.Lock()
		defer h.mu.Unlock()
		err := h.cmd.Wait()
		h.reaped = true
		return err
	}

	err := h.cmd.Wait()
	h.mu.Lock()
	h.reaped = true
	h.mu.Unlock()
	return err
}

func (h *Handle) consume(r *pipe.Reassembler, c chunk) error {
	if h.parser == nil {
		// render jobs: output is diagnostic only
		h.logger.Debug("Job output", "stream", c.stream.String(), "text", strings.TrimRight(string(c.data), "\r\n"))
		return nil
	}

	lines, err := r.Feed(c.stream, c.data)
	if err != nil {
		return err
	}
	if c.stream == pipe.Stderr {
		for _, l := range lines {
			h.logger.Warn("Job stderr", "text", l)
		}
		return nil
	}
	for _, l := range lines {
		h.parser.HandleLine(l)
	}
	return nil
}

func (h *Handle) finish(r *pipe.Reassembler, streamErr error) Result {
	res := Result{
		Key:       h.spec.Key(),
		Kind:      h.spec.Kind,
		Operation: h.spec.Operation,
		Channel:   h.spec.Channel,
		Outcome:   OutcomeCompleted,
		ExitCode:  h.cmd.ProcessState.ExitCode(),
		Duration:  time.Since(h.start),
	}

	switch {
	case streamErr != nil:
		res.Outcome, res.Err = OutcomeFailed, streamErr
	case h.timedOut.Load():
		res.Outcome, res.Err = OutcomeTimedOut, fmt.Errorf("%w after %s", ErrTimeout, h.spec.Timeout)
	case h.cancelled.Load():
		res.Outcome, res.Err = OutcomeCancelled, ErrCancelled
	}

	if h.parser == nil {
		res.OutputDir = h.spec.TempDir
		h.logger.Info("Job exited", "outcome", res.Outcome, "exit_code", res.ExitCode, "duration", res.Duration)
		return res
	}

	h.parser.Finish(r.Remainder())
	res.Dataset = h.parser.Dataset()
	res.Stats = h.parser.Stats()

	if res.Outcome == OutcomeCompleted {
		dir := h.spec.ArtifactDir
		if dir == "" {
			dir = h.spec.SimDir
		}
		path := artifact.Path(dir, h.spec.Operation, h.spec.Frames, h.spec.OutputTag)
		a := artifact.Artifact{SimDir: h.spec.SimDir, Operation: h.spec.Operation, Dataset: res.Dataset}
		if err := artifact.NewManager(path).Write(a); err != nil {
			res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("persist artifact: %w", err)
		} else {
			res.ArtifactPath = path
		}
	}

	h.logger.Info("Job exited",
		"outcome", res.Outcome,
		"exit_code", res.ExitCode,
		"frames", len(res.Dataset),
		"decoded", res.Stats.Decoded,
		"skipped", res.Stats.Skipped,
		"anomalies", res.Stats.Anomalies,
		"artifact", res.ArtifactPath,
		"duration", res.Duration)
	return res
}

func pump(stream pipe.Stream, r io.Reader, out chan<- chunk, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- chunk{stream: stream, data: data}
		}
		if err != nil {
			return
		}
	}
}
