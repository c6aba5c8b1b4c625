package controller

// ============================================================================
// Orchestrator Test File
// Purpose: Verify launch-failure isolation, joint await, cleanup and
//          orchestration-failure handling against fake report binaries
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/jobmanager"
	"github.com/ChuLiYu/cytoreport/internal/worker"
	"github.com/ChuLiYu/cytoreport/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeReport = `#!/bin/sh
case "$1" in
fiber:length)
  printf '%% frame 0\nclassA 5 1.2 0.3 0.5 2.0 6.0\n%% end\n'
  ;;
fiber:cluster)
  printf '%% frame 0\n3 12 : 1 4 9\n%% end\n'
  ;;
fiber:position)
  printf '%% frame 0\n'
  exec sleep 30
  ;;
esac
`

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestLauncher(t *testing.T) *worker.Launcher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures need a POSIX shell")
	}
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, worker.ReportBinary), []byte(fakeReport), 0o755))
	return worker.NewLauncher(worker.Resolver{BinPath: bin})
}

func reportSpec(op types.Operation, simDir string) worker.Spec {
	return worker.Spec{Kind: worker.KindReport, Operation: op, SimDir: simDir}
}

// trackingLauncher records every handle it hands out.
type trackingLauncher struct {
	inner   Launcher
	mu      sync.Mutex
	handles []*worker.Handle
	panicOn string
}

func (l *trackingLauncher) Launch(spec worker.Spec) (*worker.Handle, error) {
	if spec.Key() == l.panicOn {
		panic("launcher exploded")
	}
	h, err := l.inner.Launch(spec)
	if h != nil {
		l.mu.Lock()
		l.handles = append(l.handles, h)
		l.mu.Unlock()
	}
	return h, err
}

func (l *trackingLauncher) assertAllExited(t *testing.T) {
	t.Helper()
	for _, h := range l.handles {
		select {
		case <-h.Exited():
		default:
			t.Errorf("job %s still has a live process", h.Spec().Key())
		}
	}
}

type fakeRecorder struct {
	mu        sync.Mutex
	launched  int
	failed    int
	outcomes  map[string]int
	decoded   int
	anomalies int
}

func (f *fakeRecorder) RecordLaunch(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched++
}

func (f *fakeRecorder) RecordLaunchFailure(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
}

func (f *fakeRecorder) RecordOutcome(_, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcomes == nil {
		f.outcomes = make(map[string]int)
	}
	f.outcomes[outcome]++
}

func (f *fakeRecorder) RecordLines(_ string, decoded, _, anomalies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decoded += decoded
	f.anomalies += anomalies
}

// ============================================================================
// Run Tests
// ============================================================================

// One of three concurrent jobs fails to launch: only its entry is missing,
// the other two resolve and no process is left behind.
func TestRun_LaunchFailureIsolation(t *testing.T) {
	l := &trackingLauncher{inner: newTestLauncher(t)}
	rec := &fakeRecorder{}
	sim := t.TempDir()

	specs := []worker.Spec{
		reportSpec(types.OpFiberLength, sim),
		reportSpec(types.OpFiberEnd, filepath.Join(sim, "missing")),
		reportSpec(types.OpFiberCluster, sim),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep := NewOrchestrator(l, rec).Run(ctx, specs)

	require.Len(t, rep.Results, 2)
	assert.Contains(t, rep.Results, "length")
	assert.Contains(t, rep.Results, "clus")
	assert.NotContains(t, rep.Results, "end")
	require.Contains(t, rep.Failed, "end")
	assert.Len(t, rep.Failed, 1)

	assert.Equal(t, []float64{5}, rep.Results["length"].Dataset[0].Length.Count)
	assert.Equal(t, []int{1, 4, 9}, rep.Results["clus"].Dataset[0].Clusters[3])
	assert.FileExists(t, filepath.Join(sim, "fiber_length.report"))
	assert.FileExists(t, filepath.Join(sim, "fiber_cluster.report"))

	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, 3, rep.Operations)
	assert.Equal(t, "all", rep.Frames)
	assert.Equal(t, 2, rep.Stats["completed"])
	assert.Equal(t, 1, rep.Stats["failed"])

	require.Len(t, rep.Jobs, 3)
	assert.Equal(t, jobmanager.StatusFailed, rep.Jobs[1].Status)

	assert.Equal(t, 2, rec.launched)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, 2, rec.outcomes["completed"])
	assert.Equal(t, 2, rec.decoded)

	l.assertAllExited(t)
}

func TestRun_ExecutableNotFound(t *testing.T) {
	l := worker.NewLauncher(worker.Resolver{BinPath: t.TempDir()})
	sim := t.TempDir()

	rep := NewOrchestrator(l, nil).Run(context.Background(), []worker.Spec{
		reportSpec(types.OpFiberLength, sim),
		reportSpec(types.OpFiberPosition, sim),
	})

	assert.Empty(t, rep.Results)
	require.Len(t, rep.Failed, 2)
	assert.True(t, errors.Is(rep.Failed["length"], worker.ErrExecutableNotFound))
	assert.True(t, errors.Is(rep.Failed["pos"], worker.ErrExecutableNotFound))
}

func TestRun_Empty(t *testing.T) {
	rep := NewOrchestrator(worker.NewLauncher(worker.Resolver{}), nil).Run(context.Background(), nil)
	assert.Empty(t, rep.Results)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, 0, rep.Operations)
}

func TestRun_DuplicateKeySkipped(t *testing.T) {
	l := &trackingLauncher{inner: newTestLauncher(t)}
	sim := t.TempDir()

	rep := NewOrchestrator(l, nil).Run(context.Background(), []worker.Spec{
		reportSpec(types.OpFiberLength, sim),
		reportSpec(types.OpFiberLength, sim),
	})

	assert.Len(t, rep.Results, 1)
	assert.Len(t, rep.Jobs, 1)
	assert.Len(t, l.handles, 1)
	l.assertAllExited(t)
}

// Cancelling the wait is an orchestration failure: the hung job is abandoned
// and its process closed, completed jobs keep their results.
func TestRun_ContextCancelled(t *testing.T) {
	l := &trackingLauncher{inner: newTestLauncher(t)}
	rec := &fakeRecorder{}
	sim := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	rep := NewOrchestrator(l, rec).Run(ctx, []worker.Spec{
		reportSpec(types.OpFiberLength, sim),
		reportSpec(types.OpFiberPosition, sim),
	})
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Contains(t, rep.Results, "length")
	require.Contains(t, rep.Failed, "pos")
	assert.True(t, errors.Is(rep.Failed["pos"], ErrOrchestration))
	assert.True(t, errors.Is(rep.Failed["pos"], context.DeadlineExceeded))
	assert.Equal(t, 1, rep.Stats["cancelled"])
	assert.Equal(t, 0, rep.Stats["running"])
	assert.Equal(t, 1, rec.outcomes["cancelled"])

	l.assertAllExited(t)
}

func TestRun_PanicIsContained(t *testing.T) {
	l := &trackingLauncher{inner: newTestLauncher(t), panicOn: "clus"}
	sim := t.TempDir()

	var rep *Report
	assert.NotPanics(t, func() {
		rep = NewOrchestrator(l, nil).Run(context.Background(), []worker.Spec{
			reportSpec(types.OpFiberPosition, sim),
			reportSpec(types.OpFiberCluster, sim),
			reportSpec(types.OpFiberLength, sim),
		})
	})

	// the first job was running, the panicking one was pending, the last never tracked
	assert.Empty(t, rep.Results)
	require.Len(t, rep.Failed, 2)
	assert.True(t, errors.Is(rep.Failed["pos"], ErrOrchestration))
	assert.True(t, errors.Is(rep.Failed["clus"], ErrOrchestration))
	assert.Len(t, rep.Jobs, 2)

	l.assertAllExited(t)
}

func TestRun_TimeoutIsPerJob(t *testing.T) {
	l := &trackingLauncher{inner: newTestLauncher(t)}
	sim := t.TempDir()

	slow := reportSpec(types.OpFiberPosition, sim)
	slow.Timeout = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep := NewOrchestrator(l, nil).Run(ctx, []worker.Spec{
		reportSpec(types.OpFiberLength, sim),
		slow,
	})

	assert.Contains(t, rep.Results, "length")
	require.Contains(t, rep.Failed, "pos")
	assert.True(t, errors.Is(rep.Failed["pos"], worker.ErrTimeout))
	assert.Equal(t, 1, rep.Stats["timed_out"])
	assert.NoFileExists(t, filepath.Join(sim, "fiber_position.report"))

	l.assertAllExited(t)
}

func TestRun_FrameSummary(t *testing.T) {
	l := &trackingLauncher{inner: newTestLauncher(t)}
	spec := reportSpec(types.OpFiberLength, t.TempDir())
	spec.Frames = types.NewFrameFilter(0, 4)

	rep := NewOrchestrator(l, nil).Run(context.Background(), []worker.Spec{spec})
	assert.Equal(t, "2", rep.Frames)
	assert.Contains(t, rep.Results, "length")
	assert.Greater(t, rep.Duration, time.Duration(0))
}
