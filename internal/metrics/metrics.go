package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// LotsInQueue 仪表盘：等待规划的 Lot 数量
	LotsInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "planner_lots_in_queue",
		Help: "The number of released lots waiting for plan generation",
	})

	// LotsProcessedTotal 计数器：按结果 (assigned/failed/dropped/abandoned) 统计
	LotsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planner_lots_processed_total",
		Help: "The total number of lots processed by the plan generation engine",
	}, []string{"result"})

	// PlanGenerationDuration 直方图：单个 Lot 的规划耗时
	PlanGenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "planner_generation_duration_seconds",
		Help:    "Time spent generating plans for one lot",
		Buckets: prometheus.DefBuckets,
	})

	// PlansGeneratedTotal 计数器：按阶段统计生成的 Plan 数量
	PlansGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planner_plans_generated_total",
		Help: "The total number of plans generated, by plan group type",
	}, []string{"group_type"})

	// ReservationConflictsTotal 计数器：端口预留冲突次数
	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "allocator_reservation_conflicts_total",
		Help: "Port reservations that lost a compare-and-swap race",
	})

	// AcsMessagesTotal 计数器：ACS 消息，按方向和命令统计
	AcsMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acs_messages_total",
		Help: "Messages exchanged with the ACS, by direction and command",
	}, []string{"direction", "command"})

	// AcsSessionRegistered 仪表盘：是否存在已注册的 ACS 会话
	AcsSessionRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acs_session_registered",
		Help: "1 while an ACS session is registered, 0 otherwise",
	})

	// MotionConfirmationsTotal 计数器：到位确认结果 (reached/timeout/cancelled/error)
	MotionConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motion_confirmations_total",
		Help: "Motion confirmation outcomes",
	}, []string{"outcome"})
)
