// ============================================================================
// Cytoreport Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露外部程序任務的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec, label: kind=report|render)：
//      - cytoreport_jobs_launched_total: 已啟動程序數
//      - cytoreport_jobs_launch_failed_total: 啟動失敗數（找不到執行檔等）
//      - cytoreport_jobs_completed_total: 正常結束數
//      - cytoreport_jobs_failed_total: 串流/產物錯誤數
//      - cytoreport_jobs_timed_out_total: 逾時被終止數
//      - cytoreport_jobs_cancelled_total: 被 Close 終止數
//
//   2. 報告串流計數器 (CounterVec, label: op)：
//      - cytoreport_report_lines_decoded_total
//      - cytoreport_report_lines_skipped_total
//      - cytoreport_report_anomalies_total
//
//   3. 性能指標 (HistogramVec, label: kind)：
//      - cytoreport_job_duration_seconds: 程序執行時間分佈
//
//   4. 狀態指標 (Gauge)：
//      - cytoreport_jobs_running: 當前執行中程序數
//
// Prometheus 查詢示例:
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, cytoreport_job_duration_seconds_bucket)
//
//   # 行解碼失敗率
//   rate(cytoreport_report_lines_skipped_total[5m])
//     / rate(cytoreport_report_lines_decoded_total[5m])
//
// HTTP 端點 (chi router):
//   GET /metrics  Prometheus 文本格式
//   GET /healthz  存活檢查
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cytoreport"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsLaunched     *prometheus.CounterVec
	jobsLaunchFailed *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsTimedOut     *prometheus.CounterVec
	jobsCancelled    *prometheus.CounterVec

	// 報告串流指標
	linesDecoded *prometheus.CounterVec
	linesSkipped *prometheus.CounterVec
	anomalies    *prometheus.CounterVec

	// 效能指標
	jobDuration *prometheus.HistogramVec

	// 狀態指標
	jobsRunning prometheus.Gauge
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		jobsLaunched:     counterVec("jobs_launched_total", "Total number of external processes started", "kind"),
		jobsLaunchFailed: counterVec("jobs_launch_failed_total", "Total number of jobs that could not be started", "kind"),
		jobsCompleted:    counterVec("jobs_completed_total", "Total number of jobs whose process exited on its own", "kind"),
		jobsFailed:       counterVec("jobs_failed_total", "Total number of jobs failed on a stream or artifact error", "kind"),
		jobsTimedOut:     counterVec("jobs_timed_out_total", "Total number of jobs killed at their deadline", "kind"),
		jobsCancelled:    counterVec("jobs_cancelled_total", "Total number of jobs terminated before exit", "kind"),

		linesDecoded: counterVec("report_lines_decoded_total", "Report data lines applied to a frame", "op"),
		linesSkipped: counterVec("report_lines_skipped_total", "Report data lines rejected by the decoder", "op"),
		anomalies:    counterVec("report_anomalies_total", "Report protocol anomalies", "op"),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "External process run time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"kind"}),

		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of running external processes",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.jobsLaunched)
	prometheus.MustRegister(c.jobsLaunchFailed)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.jobsTimedOut)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.linesDecoded)
	prometheus.MustRegister(c.linesSkipped)
	prometheus.MustRegister(c.anomalies)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.jobsRunning)

	return c
}

// RecordLaunch 記錄程序已啟動
func (c *Collector) RecordLaunch(kind string) {
	c.jobsLaunched.WithLabelValues(kind).Inc()
	c.jobsRunning.Inc()
}

// RecordLaunchFailure 記錄啟動失敗
func (c *Collector) RecordLaunchFailure(kind string) {
	c.jobsLaunchFailed.WithLabelValues(kind).Inc()
}

// RecordOutcome 記錄任務結束，outcome 為 completed/failed/timed_out/cancelled
func (c *Collector) RecordOutcome(kind, outcome string, d time.Duration) {
	c.jobsRunning.Dec()
	c.jobDuration.WithLabelValues(kind).Observe(d.Seconds())

	switch outcome {
	case "completed":
		c.jobsCompleted.WithLabelValues(kind).Inc()
	case "timed_out":
		c.jobsTimedOut.WithLabelValues(kind).Inc()
	case "cancelled":
		c.jobsCancelled.WithLabelValues(kind).Inc()
	default:
		c.jobsFailed.WithLabelValues(kind).Inc()
	}
}

// RecordLines 記錄一個報告串流的行處理統計
func (c *Collector) RecordLines(op string, decoded, skipped, anomalies int) {
	c.linesDecoded.WithLabelValues(op).Add(float64(decoded))
	c.linesSkipped.WithLabelValues(op).Add(float64(skipped))
	c.anomalies.WithLabelValues(op).Add(float64(anomalies))
}

// NewRouter 建立 metrics HTTP 路由
//
// 參數：
//   - g: 指標來源，nil 時使用 prometheus.DefaultGatherer
func NewRouter(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器（阻塞）
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
