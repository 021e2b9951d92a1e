package web

import (
	"amr-logistics/internal/types"
	"sync"
	"time"
)

// LotState 定义了用于看板展示的 Lot 状态
// 这是一个简化的视图，只包含前端需要的数据
type LotState struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Status    types.LotStatus `json:"status"`
	Priority  int             `json:"priority"`
	Plans     int             `json:"plans"`
	LastError string          `json:"lastError,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ACSState 是 ACS 会话在看板上的视图
type ACSState struct {
	Registered bool   `json:"registered"`
	LastReport string `json:"lastReport,omitempty"`
}

// GlobalState 代表整个车间的实时状态快照
type GlobalState struct {
	Lots map[string]LotState `json:"lots"`
	ACS  ACSState            `json:"acs"`
}

// Broadcaster 向看板客户端广播状态
type Broadcaster interface {
	BroadcastState(state interface{})
}

// StateTracker 负责追踪所有 Lot 的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   Broadcaster
	now   func() time.Time
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为 nil
func NewStateTracker(hub Broadcaster) *StateTracker {
	return &StateTracker{
		state: GlobalState{Lots: make(map[string]LotState)},
		hub:   hub,
		now:   time.Now,
	}
}

// statusRank 是状态的先后顺序；事件异步到达，看板不回退到更早的状态
var statusRank = map[types.LotStatus]int{
	types.LotNone:       0,
	types.LotWaiting:    1,
	types.LotAssigned:   2,
	types.LotProcessing: 3,
	types.LotCompleted:  4,
	types.LotError:      5,
}

func planCount(lot types.Lot) int {
	n := 0
	for _, step := range lot.Steps {
		for _, g := range step.PlanGroups {
			n += len(g.Plans)
		}
	}
	return n
}

// UpsertLot 用 Lot 的最新快照更新看板
func (st *StateTracker) UpsertLot(lot types.Lot) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if prev, ok := st.state.Lots[lot.ID]; ok && statusRank[lot.Status] < statusRank[prev.Status] {
		return
	}
	st.state.Lots[lot.ID] = LotState{
		ID:        lot.ID,
		Name:      lot.Name,
		Status:    lot.Status,
		Priority:  lot.Priority,
		Plans:     planCount(lot),
		LastError: lot.LastError,
		UpdatedAt: st.now(),
	}
	st.broadcastLocked()
}

// UpdateStatus 更新单个 Lot 的状态；Lot 不存在时创建一个最小条目
func (st *StateTracker) UpdateStatus(id string, status types.LotStatus, lastErr string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	lot, ok := st.state.Lots[id]
	if ok && statusRank[status] < statusRank[lot.Status] {
		return
	}
	lot.ID = id
	lot.Status = status
	lot.LastError = lastErr
	lot.UpdatedAt = st.now()
	st.state.Lots[id] = lot
	st.broadcastLocked()
}

// MarkFailed 记录一次规划失败，状态保持不变
func (st *StateTracker) MarkFailed(id string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	lot, ok := st.state.Lots[id]
	if !ok {
		return
	}
	if err != nil {
		lot.LastError = err.Error()
	}
	lot.UpdatedAt = st.now()
	st.state.Lots[id] = lot
	st.broadcastLocked()
}

// SetACS 更新 ACS 会话视图
func (st *StateTracker) SetACS(registered bool, lastReport string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.state.ACS.Registered = registered
	if lastReport != "" {
		st.state.ACS.LastReport = lastReport
	}
	st.broadcastLocked()
}

func (st *StateTracker) broadcastLocked() {
	if st.hub != nil {
		st.hub.BroadcastState(st.copyLocked())
	}
}

func (st *StateTracker) copyLocked() GlobalState {
	out := GlobalState{Lots: make(map[string]LotState, len(st.state.Lots)), ACS: st.state.ACS}
	for id, l := range st.state.Lots {
		out.Lots[id] = l
	}
	return out
}

// GetStateSnapshot 返回当前全局状态的一个副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}
