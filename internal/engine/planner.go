package engine

import (
	"amr-logistics/internal/allocator"
	"amr-logistics/internal/event"
	"amr-logistics/internal/fsm"
	"amr-logistics/internal/metrics"
	"amr-logistics/internal/store"
	"amr-logistics/internal/types"
	"amr-logistics/internal/util"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LotRepository 是规划引擎使用的 Lot 存储接口
type LotRepository interface {
	GetLot(ctx context.Context, id string) (types.Lot, error)
	AppendPlanGroups(ctx context.Context, lotID, stepID string, groups []types.PlanGroup) error
	UpdateLotStatus(ctx context.Context, id string, status types.LotStatus, lastErr string) error
}

// LocationFinder 用于查找载具当前所在的位置
type LocationFinder interface {
	FindByItem(ctx context.Context, itemID string) (types.Location, error)
}

// RobotLister 提供机器人列表，顺序即枚举顺序
type RobotLister interface {
	ListRobots(ctx context.Context) ([]types.Robot, error)
}

// Planner 把一个 Lot 分解为按阶段组织的搬运计划
type Planner struct {
	lots      LotRepository
	locations LocationFinder
	robots    RobotLister
	alloc     *allocator.Allocator
	statuses  *fsm.Machine
	eventBus  *event.Bus
	logger    *slog.Logger
	stockerID string
	newID     func(prefix string) string
}

// NewPlanner 创建规划引擎
func NewPlanner(
	lots LotRepository,
	locations LocationFinder,
	robots RobotLister,
	alloc *allocator.Allocator,
	bus *event.Bus,
	stockerID string,
	logger *slog.Logger,
) *Planner {
	if stockerID == "" {
		stockerID = "ST01"
	}
	return &Planner{
		lots:      lots,
		locations: locations,
		robots:    robots,
		alloc:     alloc,
		statuses:  fsm.New(),
		eventBus:  bus,
		logger:    logger.With("component", "planner"),
		stockerID: stockerID,
		newID:     util.NewID,
	}
}

// stepContext 保存一个 LotStep 规划过程中的共享状态
type stepContext struct {
	lot       types.Lot
	step      types.LotStep
	logistics *types.Location // 搬运车路径点
	control   *types.Location // 机械手路径点
	placed    map[string]string
	reserved  []string // 本步骤新预留的端口
	logger    *slog.Logger
}

// Generate 为 Lot 的每一个步骤生成四个阶段的计划组，并将 Lot 推进到 Assigned
// Lot 不存在或状态不能规划时记录日志后直接丢弃，返回 false 和 nil
func (p *Planner) Generate(ctx context.Context, lotID string) (bool, error) {
	start := time.Now()
	logger := p.logger.With("lot_id", lotID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	lot, err := p.lots.GetLot(ctx, lotID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("Lot 不存在，丢弃下发事件")
		metrics.LotsProcessedTotal.WithLabelValues("dropped").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load lot %s: %w", lotID, err)
	}
	if !p.statuses.Can(lot.Status, fsm.EventAssign) {
		logger.Warn("Lot 当前状态不能规划，丢弃下发事件", "status", lot.Status)
		metrics.LotsProcessedTotal.WithLabelValues("dropped").Inc()
		return false, nil
	}
	logger.Info("开始生成搬运计划", "steps", len(lot.Steps), "cassettes", len(lot.CassetteIDs))

	robots, err := p.robots.ListRobots(ctx)
	if err != nil {
		return false, fmt.Errorf("list robots: %w", err)
	}

	for _, step := range lot.Steps {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		stepLogger := logger.With("step_id", step.ID)
		if step.Planned() {
			stepLogger.Info("步骤已有计划，跳过")
			continue
		}
		sc := &stepContext{lot: lot, step: step, placed: make(map[string]string), logger: stepLogger}
		if err := p.resolveMarkers(ctx, sc, robots); err != nil {
			return false, err
		}
		if err := p.commitStep(ctx, sc); err != nil {
			p.alloc.ReleasePorts(context.WithoutCancel(ctx), sc.reserved)
			return false, err
		}
	}

	next, err := p.statuses.Next(lot.Status, fsm.EventAssign)
	if err != nil {
		return false, err
	}
	if err := p.lots.UpdateLotStatus(ctx, lot.ID, next, ""); err != nil {
		return false, fmt.Errorf("update lot status: %w", err)
	}

	assigned, err := p.lots.GetLot(ctx, lot.ID)
	if err != nil {
		return false, fmt.Errorf("reload lot: %w", err)
	}
	p.eventBus.Publish(event.Event{Type: event.LotStatusChanged, LotID: lot.ID, Status: next})
	p.eventBus.Publish(event.Event{Type: event.LotAssigned, LotID: lot.ID, Lot: &assigned})

	metrics.PlanGenerationDuration.Observe(time.Since(start).Seconds())
	logger.Info("搬运计划生成完毕", "status", next, "duration", time.Since(start).String())
	return true, nil
}

// commitStep 生成并保存一个步骤的计划组；失败时 sc.reserved 中的端口由调用方撤销
func (p *Planner) commitStep(ctx context.Context, sc *stepContext) error {
	groups, err := p.planStep(ctx, sc)
	if err != nil {
		return fmt.Errorf("plan step %s: %w", sc.step.ID, err)
	}
	if err := p.lots.AppendPlanGroups(ctx, sc.lot.ID, sc.step.ID, groups); err != nil {
		return fmt.Errorf("append plan groups for step %s: %w", sc.step.ID, err)
	}
	return nil
}

// Release 把 Lot 推进到 Waiting，之后由调用方提交下发事件
func (p *Planner) Release(ctx context.Context, lotID string) (types.Lot, error) {
	lot, err := p.lots.GetLot(ctx, lotID)
	if err != nil {
		return types.Lot{}, err
	}
	next, err := p.statuses.Next(lot.Status, fsm.EventRelease)
	if err != nil {
		return lot, err
	}
	if next != lot.Status {
		if err := p.lots.UpdateLotStatus(ctx, lotID, next, ""); err != nil {
			return lot, err
		}
		p.eventBus.Publish(event.Event{Type: event.LotStatusChanged, LotID: lotID, Status: next})
	}
	lot.Status = next
	lot.LastError = ""
	return lot, nil
}

// FailLot 将 Lot 标记为 Error
func (p *Planner) FailLot(ctx context.Context, lotID string, reason error) error {
	lot, err := p.lots.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	next, _ := p.statuses.Next(lot.Status, fsm.EventFail)
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	if err := p.lots.UpdateLotStatus(ctx, lotID, next, msg); err != nil {
		return err
	}
	p.eventBus.Publish(event.Event{Type: event.LotStatusChanged, LotID: lotID, Status: next, Error: reason})
	return nil
}

// resolveMarkers 选出搬运车和机械手，并确保它们的路径点存在
func (p *Planner) resolveMarkers(ctx context.Context, sc *stepContext, robots []types.Robot) error {
	var logistics, control *types.Robot
	for i := range robots {
		switch robots[i].Type {
		case types.RobotLogistics:
			if logistics == nil {
				logistics = &robots[i]
			}
		case types.RobotControl:
			if control == nil {
				control = &robots[i]
			}
		}
	}
	if control == nil {
		control = logistics
	}
	if logistics == nil {
		sc.logger.Warn("没有可用的搬运车，所有阶段将为空")
		return nil
	}
	marker, err := p.ensureMarker(ctx, *logistics)
	if err != nil {
		return err
	}
	sc.logistics = &marker
	if control.ID == logistics.ID {
		sc.control = sc.logistics
		return nil
	}
	cm, err := p.ensureMarker(ctx, *control)
	if err != nil {
		return err
	}
	sc.control = &cm
	return nil
}

func (p *Planner) ensureMarker(ctx context.Context, robot types.Robot) (types.Location, error) {
	pos := robot.Position
	return p.alloc.EnsureWaypoint(ctx, types.MarkerID(robot.ID), types.KindMarker, robot.ID, &pos)
}

// planStep 按固定顺序生成四个计划组，计划组数量与是否成功无关
func (p *Planner) planStep(ctx context.Context, sc *stepContext) ([]types.PlanGroup, error) {
	builders := map[types.PlanGroupType]func(context.Context, *stepContext) ([]types.Plan, error){
		types.StockerToArea: p.stockerToArea,
		types.AreaToSet:     p.areaToSet,
		types.SetToArea:     p.setToArea,
		types.AreaToStocker: p.areaToStocker,
	}
	groups := make([]types.PlanGroup, 0, len(types.StageOrder))
	for _, stage := range types.StageOrder {
		group := types.PlanGroup{ID: p.newID("pg"), Type: stage, Plans: []types.Plan{}}
		if sc.logistics != nil {
			plans, err := builders[stage](ctx, sc)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", stage, err)
			}
			group.Plans = append(group.Plans, plans...)
		}
		metrics.PlansGeneratedTotal.WithLabelValues(string(stage)).Add(float64(len(group.Plans)))
		sc.logger.Info("阶段规划完成", "group_type", stage, "plans", len(group.Plans))
		groups = append(groups, group)
	}
	return groups, nil
}

// stockerToArea 把每个 Cassette 从立体库搬到选中的缓存区端口
func (p *Planner) stockerToArea(ctx context.Context, sc *stepContext) ([]types.Plan, error) {
	required := len(sc.step.CassetteIDs)
	if required == 0 {
		return nil, nil
	}
	stats, ok, err := p.alloc.SelectArea(ctx, required)
	if err != nil {
		return nil, err
	}
	if !ok {
		sc.logger.Warn("没有可用的缓存区，跳过阶段", "group_type", types.StockerToArea, "required_slots", required)
		return nil, nil
	}
	area := stats.Area
	sc.logger.Info("选中缓存区", "area_id", area.ID, "occupied", stats.Occupied, "total", stats.Total)

	var plans []types.Plan
	for _, cassetteID := range sc.step.CassetteIDs {
		src, err := p.locations.FindByItem(ctx, cassetteID)
		if errors.Is(err, store.ErrNotFound) {
			sc.logger.Warn("找不到 Cassette 的立体库位置，跳过", "cassette_id", cassetteID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find cassette %s: %w", cassetteID, err)
		}
		port, held, err := p.alloc.HeldPort(ctx, area, cassetteID)
		if err != nil {
			return nil, err
		}
		if !held {
			var ok bool
			port, ok, err = p.alloc.ReserveFreePort(ctx, area, cassetteID)
			if err != nil {
				return nil, err
			}
			if !ok {
				sc.logger.Warn("缓存区没有空闲端口，跳过", "cassette_id", cassetteID, "area_id", area.ID)
				continue
			}
			sc.reserved = append(sc.reserved, port.ID)
		}
		sc.placed[cassetteID] = area.ID
		plans = append(plans, p.twoHopPlan(cassetteID, sc.logistics.ID,
			types.ActionCassetteLoad, src.ID,
			types.ActionCassetteUnload, port.ID))
	}
	return plans, nil
}

// areaForCarrier 返回阶段 2/3 使用的缓存区：优先用阶段 1 放入的缓存区
func (p *Planner) areaForCarrier(ctx context.Context, sc *stepContext, cassetteID string) (string, bool, error) {
	if areaID, ok := sc.placed[cassetteID]; ok {
		return areaID, true, nil
	}
	stats, ok, err := p.alloc.FindAnyAreaWithFreePort(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	return stats.Area.ID, true, nil
}

// fixedPorts 返回缓存区的第一个 Tray 端口和第一个 Memory 端口
// 阶段 2/3 固定使用第一个端口，不做空闲搜索
func (p *Planner) fixedPorts(ctx context.Context, areaID string) (types.Location, types.Location, error) {
	tray, err := p.alloc.EnsureWaypoint(ctx, types.TrayPortID(areaID), types.KindTray, types.CassettePortID(areaID, 1), nil)
	if err != nil {
		return types.Location{}, types.Location{}, err
	}
	mem, err := p.alloc.EnsureWaypoint(ctx, types.MemoryPortID(areaID), types.KindMemory, areaID+".SET01", nil)
	if err != nil {
		return types.Location{}, types.Location{}, err
	}
	return tray, mem, nil
}

// areaToSet 把 Tray 取出并将 Memory 放到测试座
func (p *Planner) areaToSet(ctx context.Context, sc *stepContext) ([]types.Plan, error) {
	var plans []types.Plan
	for _, cassetteID := range sc.step.CassetteIDs {
		areaID, ok, err := p.areaForCarrier(ctx, sc, cassetteID)
		if err != nil {
			return nil, err
		}
		if !ok {
			sc.logger.Warn("没有可用的缓存区，跳过", "group_type", types.AreaToSet, "cassette_id", cassetteID)
			continue
		}
		tray, mem, err := p.fixedPorts(ctx, areaID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p.twoHopPlan(cassetteID, sc.control.ID,
			types.ActionTrayLoad, tray.ID,
			types.ActionMemoryPickAndPlace, mem.ID))
	}
	return plans, nil
}

// setToArea 是 areaToSet 的逆过程
func (p *Planner) setToArea(ctx context.Context, sc *stepContext) ([]types.Plan, error) {
	var plans []types.Plan
	for _, cassetteID := range sc.step.CassetteIDs {
		areaID, ok, err := p.areaForCarrier(ctx, sc, cassetteID)
		if err != nil {
			return nil, err
		}
		if !ok {
			sc.logger.Warn("没有可用的缓存区，跳过", "group_type", types.SetToArea, "cassette_id", cassetteID)
			continue
		}
		tray, mem, err := p.fixedPorts(ctx, areaID)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p.twoHopPlan(cassetteID, sc.control.ID,
			types.ActionMemoryPickAndPlace, mem.ID,
			types.ActionTrayUnload, tray.ID))
	}
	return plans, nil
}

// areaToStocker 把 Cassette 从缓存区送回立体库的确定性端口 ST01.CP{n}
func (p *Planner) areaToStocker(ctx context.Context, sc *stepContext) ([]types.Plan, error) {
	var plans []types.Plan
	n := 1
	for _, cassetteID := range sc.step.CassetteIDs {
		_, port, ok, err := p.alloc.LocateCarrier(ctx, cassetteID)
		if err != nil {
			return nil, err
		}
		if !ok {
			sc.logger.Warn("缓存区中找不到 Cassette，跳过", "group_type", types.AreaToStocker, "cassette_id", cassetteID)
			continue
		}
		ret, err := p.alloc.EnsureWaypoint(ctx, types.CassettePortID(p.stockerID, n), types.KindCassette, p.stockerID, nil)
		if err != nil {
			return nil, err
		}
		n++
		plans = append(plans, p.twoHopPlan(cassetteID, sc.logistics.ID,
			types.ActionCassetteLoad, port.ID,
			types.ActionCassetteUnload, ret.ID))
	}
	return plans, nil
}

// twoHopPlan 构造两步计划: from -> 路径点 -> to
func (p *Planner) twoHopPlan(carrierID, markerID string, pickAction types.PlanAction, fromID string, dropAction types.PlanAction, toID string) types.Plan {
	carriers := []string{carrierID}
	return types.Plan{
		ID:        p.newID("plan"),
		CarrierID: carrierID,
		Steps: []types.PlanStep{
			{
				ID:               p.newID("ps"),
				Sequence:         1,
				Action:           pickAction,
				TargetLocationID: fromID,
				CarrierIDs:       carriers,
				Jobs:             []types.Job{{ID: p.newID("job"), Sequence: 1, FromLocationID: fromID, ToLocationID: markerID}},
			},
			{
				ID:               p.newID("ps"),
				Sequence:         2,
				Action:           dropAction,
				TargetLocationID: toID,
				CarrierIDs:       append([]string(nil), carriers...),
				Jobs:             []types.Job{{ID: p.newID("job"), Sequence: 1, FromLocationID: markerID, ToLocationID: toID}},
			},
		},
	}
}
