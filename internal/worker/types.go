package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/report"
	"github.com/ChuLiYu/cytoreport/pkg/types"
)

var (
	// ErrTimeout marks a job whose process outlived Spec.Timeout and was killed.
	ErrTimeout = errors.New("job deadline exceeded")
	// ErrCancelled marks a job whose process was terminated by Handle.Close before it exited.
	ErrCancelled = errors.New("job terminated before exit")
	// ErrInvalidSpec is returned by Launch for incomplete specs.
	ErrInvalidSpec = errors.New("invalid job spec")
)

// Kind selects the external binary and the output handling of a job.
type Kind int

const (
	KindReport Kind = iota // report binary, frame-scoped parsing, artifact
	KindRender             // play binary, images only
)

func (k Kind) String() string {
	switch k {
	case KindReport:
		return "report"
	case KindRender:
		return "render"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is how a job's completion future resolved.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // process exited on its own
	OutcomeTimedOut  Outcome = "timed_out" // killed at the deadline
	OutcomeCancelled Outcome = "cancelled" // killed by Close
	OutcomeFailed    Outcome = "failed"    // fatal stream or artifact error
)

// Spec describes one external-process invocation.
type Spec struct {
	Kind      Kind
	Operation types.Operation // report jobs
	Channel   string          // render jobs

	SimDir    string            // simulation directory; cwd of report jobs
	Frames    types.FrameFilter // nil = all frames
	OutputTag string            // optional artifact name prefix

	TempDir     string // render output directory; cwd of render jobs
	ArtifactDir string // where report artifacts go; SimDir when empty

	Timeout time.Duration // 0 = no deadline
}

// Key identifies the job inside one orchestrator run: the operation for
// report jobs, the channel for render jobs.
func (s Spec) Key() string {
	if s.Kind == KindRender {
		return s.Channel
	}
	return string(s.Operation)
}

func (s Spec) validate() error {
	switch s.Kind {
	case KindReport:
		if !s.Operation.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidSpec, types.ErrUnknownOperation, s.Operation)
		}
		if s.SimDir == "" {
			return fmt.Errorf("%w: report job needs a simulation directory", ErrInvalidSpec)
		}
	case KindRender:
		if s.Channel == "" || s.TempDir == "" {
			return fmt.Errorf("%w: render job needs a channel and a temp directory", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown kind %v", ErrInvalidSpec, s.Kind)
	}
	return nil
}

// Result is the resolved value of a job's completion future.
type Result struct {
	Key       string
	Kind      Kind
	Operation types.Operation
	Channel   string
	Outcome   Outcome

	Dataset      types.Dataset // report jobs; partial unless Outcome is completed
	ArtifactPath string        // report jobs, set once the artifact is written
	OutputDir    string        // render jobs

	// ExitCode is informational only; a non-zero exit still completes the job.
	ExitCode int
	Stats    report.Stats
	Err      error
	Duration time.Duration
}

// OK reports whether the job completed.
func (r Result) OK() bool {
	return r.Outcome == OutcomeCompleted
}
