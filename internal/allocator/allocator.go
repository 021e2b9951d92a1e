package allocator

import (
	"amr-logistics/internal/metrics"
	"amr-logistics/internal/store"
	"amr-logistics/internal/types"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// AreaLister 提供缓存区列表，顺序即枚举顺序
type AreaLister interface {
	ListAreas(ctx context.Context) ([]types.Area, error)
	ListAreasByStatus(ctx context.Context, status types.AreaStatus) ([]types.Area, error)
}

// Registry 是分配器需要的位置登记接口
type Registry interface {
	GetLocation(ctx context.Context, id string) (types.Location, error)
	EnsureLocation(ctx context.Context, loc types.Location) (types.Location, bool, error)
	Reserve(ctx context.Context, locationID, carrierID string) error
	Release(ctx context.Context, locationID string) error
}

// AreaStats 是缓存区在某一时刻的占用情况，只统计 Cassette 端口
type AreaStats struct {
	Area     types.Area
	Total    int
	Occupied int
	Free     int
	Ratio    float64 // Occupied / Total
}

// Allocator 回答"哪个缓存区/端口空闲"的查询
type Allocator struct {
	areas     AreaLister
	locations Registry
	rule      *vm.Program // 可选的缓存区准入规则
	logger    *slog.Logger
}

// New 创建分配器；rule 为 expr 表达式，可访问 area (AreaStats) 和 required
func New(areas AreaLister, locations Registry, rule string, logger *slog.Logger) (*Allocator, error) {
	a := &Allocator{
		areas:     areas,
		locations: locations,
		logger:    logger.With("component", "allocator"),
	}
	if rule != "" {
		program, err := expr.Compile(rule, expr.Env(ruleEnv(AreaStats{}, 0)), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("area rule compilation failed: %w", err)
		}
		a.rule = program
	}
	return a, nil
}

func ruleEnv(stats AreaStats, required int) map[string]interface{} {
	return map[string]interface{}{"area": stats, "required": required}
}

// Survey 统计缓存区的端口占用
func (a *Allocator) Survey(ctx context.Context, area types.Area) (AreaStats, error) {
	stats := AreaStats{Area: area, Total: len(area.CassettePorts)}
	for _, id := range area.CassettePorts {
		loc, err := a.locations.GetLocation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("survey area %s: %w", area.ID, err)
		}
		if loc.Occupied() {
			stats.Occupied++
		}
	}
	stats.Free = stats.Total - stats.Occupied
	if stats.Total > 0 {
		stats.Ratio = float64(stats.Occupied) / float64(stats.Total)
	} else {
		stats.Ratio = 1
	}
	return stats, nil
}

func (a *Allocator) surveyAreas(ctx context.Context, areas []types.Area, required int) ([]AreaStats, error) {
	out := make([]AreaStats, 0, len(areas))
	for _, area := range areas {
		stats, err := a.Survey(ctx, area)
		if err != nil {
			return nil, err
		}
		if !a.admit(stats, required) {
			continue
		}
		out = append(out, stats)
	}
	return out, nil
}

func (a *Allocator) admit(stats AreaStats, required int) bool {
	if a.rule == nil {
		return true
	}
	result, err := expr.Run(a.rule, ruleEnv(stats, required))
	if err != nil {
		a.logger.Warn("缓存区准入规则执行失败", "area_id", stats.Area.ID, "error", err)
		return false
	}
	ok, _ := result.(bool)
	return ok
}

// FindQualifyingArea 在 Idle 且空闲端口数 >= requiredSlots 的缓存区中，
// 选择占用率最低的一个；占用率相同时按枚举顺序
func (a *Allocator) FindQualifyingArea(ctx context.Context, requiredSlots int) (AreaStats, bool, error) {
	idle, err := a.areas.ListAreasByStatus(ctx, types.AreaIdle)
	if err != nil {
		return AreaStats{}, false, fmt.Errorf("list idle areas: %w", err)
	}
	all, err := a.surveyAreas(ctx, idle, requiredSlots)
	if err != nil {
		return AreaStats{}, false, err
	}
	candidates := all[:0]
	for _, s := range all {
		if s.Free >= requiredSlots {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return AreaStats{}, false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Ratio < candidates[j].Ratio
	})
	return candidates[0], true, nil
}

// FindAnyAreaWithFreePort 返回第一个至少有一个空闲端口的缓存区
func (a *Allocator) FindAnyAreaWithFreePort(ctx context.Context) (AreaStats, bool, error) {
	areas, err := a.areas.ListAreas(ctx)
	if err != nil {
		return AreaStats{}, false, fmt.Errorf("list areas: %w", err)
	}
	all, err := a.surveyAreas(ctx, areas, 1)
	if err != nil {
		return AreaStats{}, false, err
	}
	for _, s := range all {
		if s.Free >= 1 {
			return s, true, nil
		}
	}
	return AreaStats{}, false, nil
}

// SelectArea 先找满足条件的缓存区，找不到时退化为任意有空位的缓存区
func (a *Allocator) SelectArea(ctx context.Context, requiredSlots int) (AreaStats, bool, error) {
	stats, ok, err := a.FindQualifyingArea(ctx, requiredSlots)
	if err != nil || ok {
		return stats, ok, err
	}
	a.logger.Info("没有满足条件的缓存区，退化为任意有空位的缓存区", "required_slots", requiredSlots)
	return a.FindAnyAreaWithFreePort(ctx)
}

// PickFreePort 返回缓存区中任意一个空闲的 Cassette 端口，不做预留
func (a *Allocator) PickFreePort(ctx context.Context, area types.Area) (types.Location, bool, error) {
	for _, id := range area.CassettePorts {
		loc, err := a.locations.GetLocation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return types.Location{}, false, fmt.Errorf("pick free port in %s: %w", area.ID, err)
		}
		if loc.Free() {
			return loc, true, nil
		}
	}
	return types.Location{}, false, nil
}

// HeldPort 返回缓存区中已经放着或预留给载具的端口
func (a *Allocator) HeldPort(ctx context.Context, area types.Area, carrierID string) (types.Location, bool, error) {
	for _, id := range area.CassettePorts {
		loc, err := a.locations.GetLocation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return types.Location{}, false, fmt.Errorf("find held port in %s: %w", area.ID, err)
		}
		if loc.Holds(carrierID) {
			return loc, true, nil
		}
	}
	return types.Location{}, false, nil
}

// ReserveFreePort 选出空闲端口并原子地预留给载具
// 载具在缓存区已有端口时直接返回该端口；预留冲突时重新选择，直到成功或没有空闲端口
func (a *Allocator) ReserveFreePort(ctx context.Context, area types.Area, carrierID string) (types.Location, bool, error) {
	if held, ok, err := a.HeldPort(ctx, area, carrierID); err != nil || ok {
		return held, ok, err
	}
	for attempt := 0; attempt <= len(area.CassettePorts); attempt++ {
		port, ok, err := a.PickFreePort(ctx, area)
		if err != nil || !ok {
			return types.Location{}, false, err
		}
		err = a.locations.Reserve(ctx, port.ID, carrierID)
		if err == nil {
			port.ReservedFor = carrierID
			return port, true, nil
		}
		if !errors.Is(err, store.ErrOccupied) {
			return types.Location{}, false, fmt.Errorf("reserve %s: %w", port.ID, err)
		}
		metrics.ReservationConflictsTotal.Inc()
		a.logger.Debug("端口预留冲突，重新选择", "location_id", port.ID, "carrier_id", carrierID)
	}
	return types.Location{}, false, nil
}

// ReleasePorts 撤销一组端口预留；单个端口失败只记录日志
func (a *Allocator) ReleasePorts(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := a.locations.Release(ctx, id); err != nil {
			a.logger.Warn("撤销端口预留失败", "location_id", id, "error", err)
			continue
		}
		a.logger.Info("撤销端口预留", "location_id", id)
	}
}

// LocateCarrier 查找放着或预留给指定载具的缓存区端口
func (a *Allocator) LocateCarrier(ctx context.Context, carrierID string) (types.Area, types.Location, bool, error) {
	areas, err := a.areas.ListAreas(ctx)
	if err != nil {
		return types.Area{}, types.Location{}, false, fmt.Errorf("list areas: %w", err)
	}
	for _, area := range areas {
		for _, id := range area.CassettePorts {
			loc, err := a.locations.GetLocation(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return types.Area{}, types.Location{}, false, err
			}
			if loc.Holds(carrierID) {
				return area, loc, true, nil
			}
		}
	}
	return types.Area{}, types.Location{}, false, nil
}

// EnsureWaypoint 按 ID 幂等创建路径点或返回端口，位置默认继承父位置
func (a *Allocator) EnsureWaypoint(ctx context.Context, id string, kind types.LocationKind, parentID string, pos *types.Position) (types.Location, error) {
	if existing, err := a.locations.GetLocation(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.Location{}, err
	}
	loc := types.Location{ID: id, Kind: kind, ParentID: parentID}
	switch {
	case pos != nil:
		loc.Position = *pos
	case parentID != "":
		if parent, err := a.locations.GetLocation(ctx, parentID); err == nil {
			loc.Position = parent.Position
		}
	}
	created, isNew, err := a.locations.EnsureLocation(ctx, loc)
	if err != nil {
		return types.Location{}, fmt.Errorf("ensure location %s: %w", id, err)
	}
	if isNew {
		a.logger.Info("创建位置", "location_id", id, "kind", kind)
	}
	return created, nil
}
