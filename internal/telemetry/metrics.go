package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal — runs, дошедшие до итогового статуса.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangaflow_runs_total",
		Help: "Pipeline runs by resulting status",
	}, []string{"status"})

	// StageDuration — длительность выполнения стадии.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangaflow_stage_duration_seconds",
		Help:    "Stage execution time",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"stage", "status"})

	// SubJobsTotal — sub-jobs по итоговому статусу.
	SubJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangaflow_subjobs_total",
		Help: "Fan-out sub-jobs by stage and terminal status",
	}, []string{"stage", "status"})

	// PollWait — время ожидания задачи у провайдера.
	PollWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangaflow_poll_wait_seconds",
		Help:    "Time spent polling an external job until a terminal state",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"outcome"})

	// LedgerOperations — операции с кредитами.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangaflow_ledger_operations_total",
		Help: "Credit ledger operations by kind and result",
	}, []string{"op", "result"})

	// AssetRecordFailures — артефакты, которые не удалось сохранить.
	AssetRecordFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangaflow_asset_record_failures_total",
		Help: "Asset recording failures (never fail the stage)",
	}, []string{"type"})

	// LedgerDrift — счета, у которых баланс не совпал с суммой транзакций.
	LedgerDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangaflow_ledger_drift_total",
		Help: "Accounts whose balance differs from the sum of their transactions",
	})

	// HTTPRequests — запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangaflow_api_http_requests_total",
		Help: "HTTP requests handled by mangaflow-api",
	}, []string{"method", "status"})
)
