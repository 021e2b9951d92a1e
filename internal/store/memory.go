package store

import (
	"amr-logistics/internal/types"
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound 表示对象不存在
	ErrNotFound = errors.New("not found")
	// ErrOccupied 表示位置已被占用或预留
	ErrOccupied = errors.New("location occupied")
	// ErrNotStorable 表示该位置类型不能存放载具
	ErrNotStorable = errors.New("location cannot hold a carrier")
	// ErrPlanExists 表示该步骤已经生成过计划组，计划只能追加一次
	ErrPlanExists = errors.New("plan groups already exist for step")
)

// Snapshot 是存储的完整状态，用于持久化
type Snapshot struct {
	Lots      []types.Lot      `json:"lots"`
	Areas     []types.Area     `json:"areas"`
	Locations []types.Location `json:"locations"`
	Robots    []types.Robot    `json:"robots"`
}

// Memory 是所有协作者接口的内存实现
// 对外只返回副本；所有写操作在同一把锁下完成
type Memory struct {
	mu sync.RWMutex

	lots       map[string]types.Lot
	lotOrder   []string
	areas      map[string]types.Area
	areaOrder  []string
	locations  map[string]types.Location
	locOrder   []string
	robots     map[string]types.Robot
	robotOrder []string

	// commit 在每次写操作后于锁内调用，用于持久化快照
	commit func(Snapshot) error
}

// NewMemory 创建一个空的内存存储
func NewMemory() *Memory {
	return &Memory{
		lots:      make(map[string]types.Lot),
		areas:     make(map[string]types.Area),
		locations: make(map[string]types.Location),
		robots:    make(map[string]types.Robot),
	}
}

func (m *Memory) afterWrite() error {
	if m.commit == nil {
		return nil
	}
	if err := m.commit(m.snapshotLocked()); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// --- Lot ---

// GetLot 按 ID 查询 Lot
func (m *Memory) GetLot(_ context.Context, id string) (types.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lot, ok := m.lots[id]
	if !ok {
		return types.Lot{}, fmt.Errorf("lot %s: %w", id, ErrNotFound)
	}
	return lot.Clone(), nil
}

// ListLots 按创建顺序返回所有 Lot
func (m *Memory) ListLots(_ context.Context) ([]types.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Lot, 0, len(m.lotOrder))
	for _, id := range m.lotOrder {
		out = append(out, m.lots[id].Clone())
	}
	return out, nil
}

// SaveLot 创建或覆盖一个 Lot
// 已存在的计划组不会被覆盖
func (m *Memory) SaveLot(_ context.Context, lot types.Lot) error {
	if lot.ID == "" {
		return errors.New("lot id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lot = lot.Clone()
	for i := range lot.Steps {
		lot.Steps[i].LotID = lot.ID
	}
	if old, ok := m.lots[lot.ID]; ok {
		for i := range lot.Steps {
			if prev, found := findStep(old.Steps, lot.Steps[i].ID); found && prev.Planned() {
				lot.Steps[i].PlanGroups = types.ClonePlanGroups(prev.PlanGroups)
			}
		}
	} else {
		m.lotOrder = append(m.lotOrder, lot.ID)
	}
	m.lots[lot.ID] = lot
	return m.afterWrite()
}

// UpdateLotStatus 更新 Lot 的状态，lastErr 为空时清除错误信息
func (m *Memory) UpdateLotStatus(_ context.Context, id string, status types.LotStatus, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	if !ok {
		return fmt.Errorf("lot %s: %w", id, ErrNotFound)
	}
	lot.Status = status
	lot.LastError = lastErr
	m.lots[id] = lot
	return m.afterWrite()
}

// AppendPlanGroups 将生成的计划组挂到 LotStep 上
// 计划一旦生成不可修改，重复追加返回 ErrPlanExists
func (m *Memory) AppendPlanGroups(_ context.Context, lotID, stepID string, groups []types.PlanGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[lotID]
	if !ok {
		return fmt.Errorf("lot %s: %w", lotID, ErrNotFound)
	}
	for i := range lot.Steps {
		if lot.Steps[i].ID != stepID {
			continue
		}
		if lot.Steps[i].Planned() {
			return fmt.Errorf("step %s: %w", stepID, ErrPlanExists)
		}
		lot.Steps[i].PlanGroups = types.ClonePlanGroups(groups)
		m.lots[lotID] = lot
		return m.afterWrite()
	}
	return fmt.Errorf("step %s of lot %s: %w", stepID, lotID, ErrNotFound)
}

func findStep(steps []types.LotStep, id string) (types.LotStep, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
	}
	return types.LotStep{}, false
}

// --- Area ---

// SaveArea 创建或覆盖一个缓存区
func (m *Memory) SaveArea(_ context.Context, area types.Area) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.areas[area.ID]; !ok {
		m.areaOrder = append(m.areaOrder, area.ID)
	}
	m.areas[area.ID] = area.Clone()
	return m.afterWrite()
}

// GetArea 按 ID 查询缓存区
func (m *Memory) GetArea(_ context.Context, id string) (types.Area, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.areas[id]
	if !ok {
		return types.Area{}, fmt.Errorf("area %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// ListAreas 按登记顺序返回所有缓存区
func (m *Memory) ListAreas(_ context.Context) ([]types.Area, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Area, 0, len(m.areaOrder))
	for _, id := range m.areaOrder {
		out = append(out, m.areas[id].Clone())
	}
	return out, nil
}

// ListAreasByStatus 返回指定状态的缓存区
func (m *Memory) ListAreasByStatus(ctx context.Context, status types.AreaStatus) ([]types.Area, error) {
	all, err := m.ListAreas(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- Location ---

// GetLocation 按 ID 查询位置
func (m *Memory) GetLocation(_ context.Context, id string) (types.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[id]
	if !ok {
		return types.Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return loc.Clone(), nil
}

// EnsureLocation 按 ID 幂等创建位置，已存在时直接返回原有位置
func (m *Memory) EnsureLocation(_ context.Context, loc types.Location) (types.Location, bool, error) {
	if loc.ID == "" {
		return types.Location{}, false, errors.New("location id is required")
	}
	if !loc.Kind.Valid() {
		return types.Location{}, false, fmt.Errorf("location %s: unknown kind %q", loc.ID, loc.Kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locations[loc.ID]; ok {
		return existing.Clone(), false, nil
	}
	m.putLocationLocked(loc)
	if err := m.afterWrite(); err != nil {
		return types.Location{}, false, err
	}
	return loc.Clone(), true, nil
}

func (m *Memory) putLocationLocked(loc types.Location) {
	if _, ok := m.locations[loc.ID]; !ok {
		m.locOrder = append(m.locOrder, loc.ID)
	}
	m.locations[loc.ID] = loc.Clone()
	if loc.ParentID == "" {
		return
	}
	if parent, ok := m.locations[loc.ParentID]; ok {
		for _, c := range parent.Children {
			if c == loc.ID {
				return
			}
		}
		parent.Children = append(parent.Children, loc.ID)
		m.locations[loc.ParentID] = parent
	}
}

// FindByItem 查找当前放着指定载具的位置
func (m *Memory) FindByItem(_ context.Context, itemID string) (types.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.locOrder {
		if loc := m.locations[id]; itemID != "" && loc.CurrentItemID == itemID {
			return loc.Clone(), nil
		}
	}
	return types.Location{}, fmt.Errorf("carrier %s: %w", itemID, ErrNotFound)
}

// Reserve 原子地将空闲位置预留给载具 (compare-and-swap)
// 位置已被占用或预留时返回 ErrOccupied
func (m *Memory) Reserve(_ context.Context, locationID, carrierID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[locationID]
	if !ok {
		return fmt.Errorf("location %s: %w", locationID, ErrNotFound)
	}
	if !loc.Kind.CanStore() {
		return fmt.Errorf("location %s: %w", locationID, ErrNotStorable)
	}
	if loc.Occupied() {
		return fmt.Errorf("location %s: %w", locationID, ErrOccupied)
	}
	loc.ReservedFor = carrierID
	m.locations[locationID] = loc
	return m.afterWrite()
}

// Release 清除位置上的预留
func (m *Memory) Release(_ context.Context, locationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[locationID]
	if !ok {
		return fmt.Errorf("location %s: %w", locationID, ErrNotFound)
	}
	loc.ReservedFor = ""
	m.locations[locationID] = loc
	return m.afterWrite()
}

// PlaceItem 直接设置位置上的载具，用于初始化和外部同步
func (m *Memory) PlaceItem(_ context.Context, locationID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[locationID]
	if !ok {
		return fmt.Errorf("location %s: %w", locationID, ErrNotFound)
	}
	if itemID != "" && loc.CurrentItemID != "" && loc.CurrentItemID != itemID {
		return fmt.Errorf("location %s: %w", locationID, ErrOccupied)
	}
	loc.CurrentItemID = itemID
	m.locations[locationID] = loc
	return m.afterWrite()
}

// --- Robot ---

// SaveRobot 创建或覆盖机器人
func (m *Memory) SaveRobot(_ context.Context, r types.Robot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[r.ID]; !ok {
		m.robotOrder = append(m.robotOrder, r.ID)
	}
	m.robots[r.ID] = r.Clone()
	return m.afterWrite()
}

// ListRobots 按登记顺序返回所有机器人
func (m *Memory) ListRobots(_ context.Context) ([]types.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Robot, 0, len(m.robotOrder))
	for _, id := range m.robotOrder {
		out = append(out, m.robots[id].Clone())
	}
	return out, nil
}

// GetRobot 按 ID 查询机器人
func (m *Memory) GetRobot(_ context.Context, id string) (types.Robot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.robots[id]
	if !ok {
		return types.Robot{}, fmt.Errorf("robot %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

// Position 返回机器人当前位置
func (m *Memory) Position(ctx context.Context, robotID string) (types.Position, error) {
	r, err := m.GetRobot(ctx, robotID)
	if err != nil {
		return types.Position{}, err
	}
	return r.Position, nil
}

// SetRobotPosition 更新机器人位置
func (m *Memory) SetRobotPosition(_ context.Context, id string, pos types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[id]
	if !ok {
		return fmt.Errorf("robot %s: %w", id, ErrNotFound)
	}
	r.Position = pos
	m.robots[id] = r
	return m.afterWrite()
}

// --- Snapshot ---

func (m *Memory) snapshotLocked() Snapshot {
	s := Snapshot{
		Lots:      make([]types.Lot, 0, len(m.lotOrder)),
		Areas:     make([]types.Area, 0, len(m.areaOrder)),
		Locations: make([]types.Location, 0, len(m.locOrder)),
		Robots:    make([]types.Robot, 0, len(m.robotOrder)),
	}
	for _, id := range m.lotOrder {
		s.Lots = append(s.Lots, m.lots[id].Clone())
	}
	for _, id := range m.areaOrder {
		s.Areas = append(s.Areas, m.areas[id].Clone())
	}
	for _, id := range m.locOrder {
		s.Locations = append(s.Locations, m.locations[id].Clone())
	}
	for _, id := range m.robotOrder {
		s.Robots = append(s.Robots, m.robots[id].Clone())
	}
	return s
}

// Import 用快照替换当前状态，不触发持久化
func (m *Memory) Import(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lots = make(map[string]types.Lot, len(s.Lots))
	m.areas = make(map[string]types.Area, len(s.Areas))
	m.locations = make(map[string]types.Location, len(s.Locations))
	m.robots = make(map[string]types.Robot, len(s.Robots))
	m.lotOrder, m.areaOrder, m.locOrder, m.robotOrder = nil, nil, nil, nil
	for _, l := range s.Lots {
		m.lots[l.ID] = l.Clone()
		m.lotOrder = append(m.lotOrder, l.ID)
	}
	for _, a := range s.Areas {
		m.areas[a.ID] = a.Clone()
		m.areaOrder = append(m.areaOrder, a.ID)
	}
	for _, loc := range s.Locations {
		m.locations[loc.ID] = loc.Clone()
		m.locOrder = append(m.locOrder, loc.ID)
	}
	for _, r := range s.Robots {
		m.robots[r.ID] = r.Clone()
		m.robotOrder = append(m.robotOrder, r.ID)
	}
}
