// ============================================================================
// Cytoreport 編排器 - 一次執行的核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 併發啟動 N 個外部程序任務，共同等待其完成 future，彙總結果或部分失敗狀態，
//       並保證所有程序在返回前都已清理
//
// 執行流程 (Run):
//   1. Launch   - 為每個 Spec 啟動程序；單一任務啟動失敗只影響該任務
//   2. Await    - 共同等待所有 future，以「全部完成」為唯一成功條件
//   3. Failure  - ctx 取消或 panic 視為編排失敗：記錄堆疊，不往上拋
//   4. Cleanup  - 無論成功或失敗：放棄尚未解析的 future，Close 每個已開啟的程序
//   5. Summary  - 永遠記錄耗時與「N operation(s) over M frame(s)」
//
// 結果表 (Report.Results):
//   只包含正常完成的任務；啟動失敗、逾時、被放棄的任務出現在 Report.Failed。
//   結果表只在 future 解析後由編排 goroutine 寫入，不存在併發寫入。
//
// 取消語義:
//   放棄等待不會終止程序，Handle.Close 才是終止機制，在 cleanup 中一律執行。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/jobmanager"
	"github.com/ChuLiYu/cytoreport/internal/worker"
	"github.com/google/uuid"
)

// ============================================================================
// 資料結構定義
// ============================================================================

var (
	// ErrOrchestration 編排層失敗（ctx 取消、panic）
	ErrOrchestration = errors.New("orchestration failure")
	// ErrDuplicateKey 同一次執行中出現重複的 operation/channel
	ErrDuplicateKey = errors.New("duplicate job key")
)

// Launcher 啟動單個任務；*worker.Launcher 實作此介面
type Launcher interface {
	Launch(spec worker.Spec) (*worker.Handle, error)
}

// Recorder 接收任務層級的指標；*metrics.Collector 實作此介面
type Recorder interface {
	RecordLaunch(kind string)
	RecordLaunchFailure(kind string)
	RecordOutcome(kind, outcome string, d time.Duration)
	RecordLines(op string, decoded, skipped, anomalies int)
}

// Report 一次執行的結果
type Report struct {
	RunID      string
	Results    map[string]*worker.Result // 結果表：只含正常完成的任務
	Failed     map[string]error          // 啟動失敗、逾時、串流錯誤、被放棄
	Jobs       []jobmanager.Job          // 依 Spec 順序的最終狀態
	Stats      map[string]int            // 各狀態任務數
	Operations int
	Frames     string
	Duration   time.Duration
}

// Orchestrator 編排器
type Orchestrator struct {
	launcher Launcher
	recorder Recorder // 可為 nil
	logger   *slog.Logger
}

// NewOrchestrator 建立編排器，rec 為 nil 時不記錄指標
func NewOrchestrator(l Launcher, rec Recorder) *Orchestrator {
	return &Orchestrator{launcher: l, recorder: rec, logger: slog.Default()}
}

// WithLogger 替換 logger
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	if l != nil {
		o.logger = l
	}
	return o
}

// run 一次執行的狀態，只由呼叫 Run 的 goroutine 存取
type run struct {
	o       *Orchestrator
	logger  *slog.Logger
	tracker *jobmanager.Tracker
	report  *Report
	handles []*worker.Handle
	pending map[string]*worker.Handle // 已啟動但 future 尚未解析
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Run 執行所有任務並返回結果。它從不返回錯誤：失敗記錄在 Report.Failed。
func (o *Orchestrator) Run(ctx context.Context, specs []worker.Spec) *Report {
	start := time.Now()
	r := &run{
		o:       o,
		tracker: jobmanager.NewTracker(),
		report: &Report{
			RunID:      uuid.NewString(),
			Results:    make(map[string]*worker.Result),
			Failed:     make(map[string]error),
			Operations: len(specs),
			Frames:     "all",
		},
		pending: make(map[string]*worker.Handle),
	}
	r.logger = o.logger.With("run", r.report.RunID)
	if len(specs) > 0 {
		r.report.Frames = specs[0].Frames.Count()
	}

	r.logger.Info("Starting run", "jobs", len(specs))

	cause := r.supervise(ctx, specs)
	r.cleanup(cause)

	rep := r.report
	rep.Duration = time.Since(start)
	rep.Jobs = r.tracker.Jobs()
	rep.Stats = r.tracker.Stats()

	r.logger.Info(fmt.Sprintf("done %d operation(s) over %s frame(s) in %.2f seconds",
		rep.Operations, rep.Frames, rep.Duration.Seconds()),
		"completed", len(rep.Results),
		"failed", len(rep.Failed))
	return rep
}

// supervise 啟動並等待；任何 panic 都在這裡被攔截
func (r *run) supervise(ctx context.Context, specs []worker.Spec) (cause error) {
	defer func() {
		if p := recover(); p != nil {
			cause = fmt.Errorf("%w: panic: %v", ErrOrchestration, p)
			r.logger.Error("Orchestration failed", "error", cause, "stack", string(debug.Stack()))
		}
	}()

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			cause = fmt.Errorf("%w: %w", ErrOrchestration, err)
			r.logger.Error("Run cancelled during launch", "error", cause)
			return cause
		}
		r.launch(spec)
	}

	if err := r.await(ctx); err != nil {
		r.logger.Error("Orchestration failed", "error", err, "stack", string(debug.Stack()))
		return err
	}
	return nil
}

// launch 啟動單個任務；失敗只記錄在該任務上
func (r *run) launch(spec worker.Spec) {
	key := spec.Key()
	kind := spec.Kind.String()

	if err := r.tracker.Add(key, spec.Kind); err != nil {
		r.logger.Error("Skipping job", "job", key, "error", fmt.Errorf("%w: %s", ErrDuplicateKey, key))
		return
	}

	h, err := r.o.launcher.Launch(spec)
	if err != nil {
		r.logger.Error("Failed to launch job",
			"job", key,
			"error", err,
			"stack", string(debug.Stack()))
		r.report.Failed[key] = err
		_ = r.tracker.MarkFailed(key, err)
		if r.o.recorder != nil {
			r.o.recorder.RecordLaunchFailure(kind)
		}
		return
	}

	r.handles = append(r.handles, h)
	r.pending[key] = h
	_ = r.tracker.MarkRunning(key, h.Pid())
	if r.o.recorder != nil {
		r.o.recorder.RecordLaunch(kind)
	}
}

type resolved struct {
	key    string
	result worker.Result
}

// await 共同等待所有已啟動任務的 future
func (r *run) await(ctx context.Context) error {
	out := make(chan resolved, len(r.pending))
	stop := make(chan struct{})
	defer close(stop)

	for key, h := range r.pending {
		go func(key string, h *worker.Handle) {
			select {
			case res := <-h.Done():
				out <- resolved{key: key, result: res}
			case <-stop:
			}
		}(key, h)
	}

	for len(r.pending) > 0 {
		select {
		case res := <-out:
			r.resolve(res.key, res.result)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrOrchestration, ctx.Err())
		}
	}
	return nil
}

// resolve 寫入結果表；只有編排 goroutine 會呼叫
func (r *run) resolve(key string, res worker.Result) {
	delete(r.pending, key)
	_ = r.tracker.Resolve(res)

	if res.OK() {
		r.report.Results[key] = &res
	} else {
		r.report.Failed[key] = res.Err
		r.logger.Warn("Job did not complete", "job", key, "outcome", res.Outcome, "error", res.Err)
	}

	if rec := r.o.recorder; rec != nil {
		rec.RecordOutcome(res.Kind.String(), string(res.Outcome), res.Duration)
		if res.Kind == worker.KindReport {
			rec.RecordLines(string(res.Operation), res.Stats.Decoded, res.Stats.Skipped, res.Stats.Anomalies)
		}
	}
}

// cleanup 永遠執行：放棄尚未解析的 future，關閉每個程序
func (r *run) cleanup(cause error) {
	for key := range r.pending {
		r.logger.Warn("Abandoning pending job", "job", key)
	}

	var wg sync.WaitGroup
	for _, h := range r.handles {
		wg.Add(1)
		go func(h *worker.Handle) {
			defer wg.Done()
			if err := h.Close(); err != nil {
				r.logger.Error("Failed to close job", "job", h.Spec().Key(), "error", err)
			}
		}(h)
	}
	wg.Wait()

	if cause == nil {
		return
	}
	for _, job := range r.tracker.Jobs() {
		switch job.Status {
		case jobmanager.StatusPending:
			_ = r.tracker.MarkFailed(job.Key, cause)
			r.report.Failed[job.Key] = cause
		case jobmanager.StatusRunning:
			_ = r.tracker.Resolve(worker.Result{Key: job.Key, Kind: job.Kind, Outcome: worker.OutcomeCancelled, Err: cause})
			r.report.Failed[job.Key] = cause
			if r.o.recorder != nil {
				r.o.recorder.RecordOutcome(job.Kind.String(), string(worker.OutcomeCancelled), job.Duration())
			}
		}
	}
}
