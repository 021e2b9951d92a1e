package engine

import (
	"amr-logistics/internal/types"
	"context"
	"fmt"
	"log/slog"
)

// LocationReader 按 ID 读取位置
type LocationReader interface {
	GetLocation(ctx context.Context, id string) (types.Location, error)
}

// LotReader 按 ID 读取 Lot
type LotReader interface {
	GetLot(ctx context.Context, id string) (types.Lot, error)
}

// RouteSimulator 在模拟路线上驱动搬运车走完 StockerToArea 计划的每个 Job
type RouteSimulator struct {
	lots      LotReader
	locations LocationReader
	robots    RobotLister
	motion    *MotionConfirmer
	logger    *slog.Logger
}

// NewRouteSimulator 创建路线模拟器
func NewRouteSimulator(lots LotReader, locations LocationReader, robots RobotLister, motion *MotionConfirmer, logger *slog.Logger) *RouteSimulator {
	return &RouteSimulator{
		lots:      lots,
		locations: locations,
		robots:    robots,
		motion:    motion,
		logger:    logger.With("component", "route"),
	}
}

// Run 依次执行 Lot 中所有 StockerToArea 计划，返回已确认到位的 Job 数
// 某个 Job 未到位时放弃该计划剩余部分，继续下一个计划
func (r *RouteSimulator) Run(ctx context.Context, lotID string) (int, error) {
	lot, err := r.lots.GetLot(ctx, lotID)
	if err != nil {
		return 0, fmt.Errorf("load lot %s: %w", lotID, err)
	}
	robotID, err := r.logisticsRobot(ctx)
	if err != nil {
		return 0, err
	}
	logger := r.logger.With("lot_id", lotID, "robot_id", robotID)

	confirmed := 0
	for _, step := range lot.Steps {
		for _, group := range step.PlanGroups {
			if group.Type != types.StockerToArea {
				continue
			}
			for _, plan := range group.Plans {
				n, err := r.runPlan(ctx, robotID, plan, logger)
				confirmed += n
				if err != nil {
					return confirmed, err
				}
			}
		}
	}
	logger.Info("模拟路线执行完毕", "confirmed_jobs", confirmed)
	return confirmed, nil
}

func (r *RouteSimulator) runPlan(ctx context.Context, robotID string, plan types.Plan, logger *slog.Logger) (int, error) {
	confirmed := 0
	for _, ps := range plan.Steps {
		for _, job := range ps.Jobs {
			if ctx.Err() != nil {
				return confirmed, ctx.Err()
			}
			dest, err := r.stopFor(ctx, job)
			if err != nil {
				return confirmed, err
			}
			if !r.motion.MoveTo(ctx, robotID, dest.Position) {
				logger.Warn("Job 未到位，放弃该计划", "plan_id", plan.ID, "job_id", job.ID, "stop", dest.ID)
				return confirmed, nil
			}
			confirmed++
		}
	}
	return confirmed, nil
}

// stopFor 返回 Job 中搬运车需要到达的物理位置：取货时是起点，放货时是终点
func (r *RouteSimulator) stopFor(ctx context.Context, job types.Job) (types.Location, error) {
	to, err := r.locations.GetLocation(ctx, job.ToLocationID)
	if err != nil {
		return types.Location{}, fmt.Errorf("resolve %s: %w", job.ToLocationID, err)
	}
	switch to.Kind {
	case types.KindMarker:
		from, err := r.locations.GetLocation(ctx, job.FromLocationID)
		if err != nil {
			return types.Location{}, fmt.Errorf("resolve %s: %w", job.FromLocationID, err)
		}
		return from, nil
	case types.KindCassette, types.KindTray, types.KindMemory:
		return to, nil
	}
	return types.Location{}, fmt.Errorf("location %s has unknown kind %q", to.ID, to.Kind)
}

func (r *RouteSimulator) logisticsRobot(ctx context.Context) (string, error) {
	robots, err := r.robots.ListRobots(ctx)
	if err != nil {
		return "", fmt.Errorf("list robots: %w", err)
	}
	for _, rb := range robots {
		if rb.Type == types.RobotLogistics {
			return rb.ID, nil
		}
	}
	return "", fmt.Errorf("no logistics robot available")
}
