// ============================================================================
// Cytoreport 任務追蹤器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤一次編排執行中每個外部程序任務的生命週期
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. 狀態索引 - running/finished maps 提供快速查詢
//   3. 兩者通過指針同步，確保狀態一致性
//
// 任務狀態轉換 (State Machine):
//   Pending (待啟動)
//      ↓ MarkRunning()          ↓ MarkFailed() (啟動失敗)
//   Running (執行中)
//      ↓ Resolve(outcome)
//   Completed / TimedOut / Cancelled / Failed
//
// 狀態轉換規則:
//   - Pending → Running: 程序已啟動
//   - Pending → Failed: 啟動失敗（找不到執行檔、工作目錄不存在）
//   - Running → 終態: 完成 future 解析後依 Outcome 決定
//   - 終態不可再轉換，沒有重試
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/cytoreport/internal/worker"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 key 重複錯誤
	ErrDuplicateJob = errors.New("job already tracked")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 狀態轉換不合法
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ============================================================================
// 狀態定義
// ============================================================================

// Status 任務狀態
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal 是否為終態
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// statusFor 將 worker 的 Outcome 對應到終態
func statusFor(o worker.Outcome) Status {
	switch o {
	case worker.OutcomeCompleted:
		return StatusCompleted
	case worker.OutcomeTimedOut:
		return StatusTimedOut
	case worker.OutcomeCancelled:
		return StatusCancelled
	}
	return StatusFailed
}

// Job 單個任務的追蹤記錄
type Job struct {
	Key       string
	Kind      worker.Kind
	Status    Status
	Pid       int
	ExitCode  int
	Err       error
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration 執行時間，尚未結束時以當前時間計算
func (j Job) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.EndedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.EndedAt.Sub(j.StartedAt)
}

// ============================================================================
// Tracker
// ============================================================================

// Tracker 任務追蹤器，使用混合設計確保效率
type Tracker struct {
	mu       sync.RWMutex
	jobs     map[string]*Job // 所有任務的統一儲存
	order    []string        // 加入順序
	running  map[string]*Job // 執行中任務
	finished map[string]*Job // 已結束任務（任何終態）
}

// NewTracker 建立新的任務追蹤器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewTracker() *Tracker {
	return &Tracker{
		jobs:     make(map[string]*Job),
		order:    make([]string, 0),
		running:  make(map[string]*Job),
		finished: make(map[string]*Job),
	}
}

// Add 將新任務加入追蹤，設定為待啟動狀態
//
// 錯誤處理：
//   - ErrDuplicateJob: 同一次執行中 key 已存在
func (t *Tracker) Add(key string, kind worker.Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, key)
	}

	t.jobs[key] = &Job{
		Key:       key,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	t.order = append(t.order, key)
	return nil
}

// MarkRunning 任務程序已啟動
func (t *Tracker) MarkRunning(key string, pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(key)
	if err != nil {
		return err
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, job.Status, StatusRunning)
	}

	job.Status = StatusRunning
	job.Pid = pid
	job.StartedAt = time.Now()
	t.running[key] = job
	return nil
}

// MarkFailed 任務在啟動前或執行中失敗（啟動失敗、編排失敗）
func (t *Tracker) MarkFailed(key string, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(key)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, job.Status, StatusFailed)
	}
	t.finish(job, StatusFailed, cause)
	return nil
}

// Resolve 依完成 future 的結果將任務轉入終態
func (t *Tracker) Resolve(res worker.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, err := t.lookup(res.Key)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, res.Key, job.Status, statusFor(res.Outcome))
	}
	job.ExitCode = res.ExitCode
	t.finish(job, statusFor(res.Outcome), res.Err)
	return nil
}

// finish 呼叫者必須持有寫鎖
func (t *Tracker) finish(job *Job, status Status, cause error) {
	job.Status = status
	job.Err = cause
	job.EndedAt = time.Now()
	delete(t.running, job.Key)
	t.finished[job.Key] = job
}

func (t *Tracker) lookup(key string) (*Job, error) {
	job, exists := t.jobs[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	return job, nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (t *Tracker) Get(key string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, exists := t.jobs[key]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// Jobs 依加入順序回傳所有任務的副本
func (t *Tracker) Jobs() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Job, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, *t.jobs[key])
	}
	return out
}

// Running 回傳執行中任務的 key（已排序）
func (t *Tracker) Running() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.running))
	for key := range t.running {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats 取得各狀態任務的統計資訊
//
// 使用範例：
//
//	stats := tr.Stats()
//	log.Info("jobs", "running", stats["running"], "completed", stats["completed"])
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[string]int{
		string(StatusPending):   0,
		string(StatusRunning):   len(t.running),
		string(StatusCompleted): 0,
		string(StatusTimedOut):  0,
		string(StatusCancelled): 0,
		string(StatusFailed):    0,
	}
	for _, job := range t.jobs {
		if job.Status != StatusRunning {
			stats[string(job.Status)]++
		}
	}
	return stats
}
