package engine

import (
	"amr-logistics/internal/metrics"
	"amr-logistics/internal/types"
	"context"
	"log/slog"
	"time"
)

// 到位确认的默认参数
const (
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultMotionTimeout = 60 * time.Second
)

// MoveScheduler 下发移动指令
type MoveScheduler interface {
	ScheduleMove(ctx context.Context, robotID string, target types.Position) error
}

// PositionSource 提供机器人当前位置
type PositionSource interface {
	Position(ctx context.Context, robotID string) (types.Position, error)
}

// MotionConfirmer 下发移动指令并轮询位置，直到到位或超时
// 这是近似的位置收敛检查，不是安全级控制回路
type MotionConfirmer struct {
	mover     MoveScheduler
	positions PositionSource
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// NewMotionConfirmer 创建到位确认器，interval/timeout 不大于 0 时使用默认值
func NewMotionConfirmer(mover MoveScheduler, positions PositionSource, interval, timeout time.Duration, logger *slog.Logger) *MotionConfirmer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultMotionTimeout
	}
	return &MotionConfirmer{
		mover:     mover,
		positions: positions,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.With("component", "motion"),
	}
}

// MoveTo 向 (x,y) 下发移动并等待到位，返回是否到位，从不返回错误
func (m *MotionConfirmer) MoveTo(ctx context.Context, robotID string, target types.Position) bool {
	if err := m.mover.ScheduleMove(ctx, robotID, target); err != nil {
		m.logger.Warn("下发移动指令失败", "robot_id", robotID, "error", err)
		metrics.MotionConfirmationsTotal.WithLabelValues("error").Inc()
		return false
	}
	return m.WaitFor(ctx, robotID, target)
}

// WaitFor 轮询机器人位置直到与目标完全一致；超时或取消视为未到位
func (m *MotionConfirmer) WaitFor(ctx context.Context, robotID string, target types.Position) bool {
	logger := m.logger.With("robot_id", robotID, "x", target.X, "y", target.Y)
	if m.reached(ctx, robotID, target) {
		metrics.MotionConfirmationsTotal.WithLabelValues("reached").Inc()
		return true
	}

	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("到位确认被取消")
			metrics.MotionConfirmationsTotal.WithLabelValues("cancelled").Inc()
			return false
		case <-deadline.C:
			logger.Warn("到位确认超时", "timeout", m.timeout.String())
			metrics.MotionConfirmationsTotal.WithLabelValues("timeout").Inc()
			return false
		case <-ticker.C:
			if m.reached(ctx, robotID, target) {
				metrics.MotionConfirmationsTotal.WithLabelValues("reached").Inc()
				return true
			}
		}
	}
}

func (m *MotionConfirmer) reached(ctx context.Context, robotID string, target types.Position) bool {
	pos, err := m.positions.Position(ctx, robotID)
	if err != nil {
		m.logger.Debug("读取位置失败", "robot_id", robotID, "error", err)
		return false
	}
	return pos.X == target.X && pos.Y == target.Y
}
