// Package metrics 碰撞检测与升级调度的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SamplesTotal 运动采样处理计数（accepted / throttled / ignored / dropped）
	SamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accident_alert_motion_samples_total",
			Help: "Total number of motion samples by handling result",
		},
		[]string{"result"},
	)

	// DetectionsTotal 检测结果计数（candidate / false_positive）
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accident_alert_detections_total",
			Help: "Total number of crash detection verdicts",
		},
		[]string{"kind"},
	)

	// LocationFixesTotal 定位结果计数（accepted / rejected_invalid / rejected_policy）
	LocationFixesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accident_alert_location_fixes_total",
			Help: "Total number of location fixes by tracker decision",
		},
		[]string{"source", "result"},
	)

	// ConfirmationOutcomesTotal 确认倒计时终态计数
	ConfirmationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accident_alert_confirmation_outcomes_total",
			Help: "Total number of confirmation runs by terminal state",
		},
		[]string{"outcome"},
	)

	// EscalationAttemptsTotal 升级调度尝试计数
	EscalationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accident_alert_escalation_attempts_total",
			Help: "Total number of outbound escalation attempts by track and result",
		},
		[]string{"track", "result"},
	)

	// PendingRuns 当前挂起的确认倒计时数量
	PendingRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "accident_alert_pending_runs",
			Help: "Number of confirmation runs currently awaiting user input",
		},
	)
)
