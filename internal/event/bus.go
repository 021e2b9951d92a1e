package event

import (
	"amr-logistics/internal/types"
	"sync"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	LotQueued        EventType = "LotQueued"        // Lot 进入规划队列
	LotStatusChanged EventType = "LotStatusChanged" // Lot 状态变化
	LotAssigned      EventType = "LotAssigned"      // 搬运计划生成完毕
	LotFailed        EventType = "LotFailed"        // 规划失败，已进入重试
	PlanDispatched   EventType = "PlanDispatched"   // ExecutionPlan 已下发到 ACS
	AcsReport        EventType = "AcsReport"        // 收到 ACS 上报
	AcsRegistered    EventType = "AcsRegistered"    // ACS 会话注册成功
	AcsDisconnected  EventType = "AcsDisconnected"  // 已注册的 ACS 会话断开
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type    EventType       // 事件类型
	LotID   string          // 关联的 Lot ID
	Lot     *types.Lot      // Lot 快照 (LotQueued / LotAssigned)
	Status  types.LotStatus // 新状态 (LotStatusChanged)
	PlanID  string          // 关联的 Plan ID (PlanDispatched)
	Command string          // ACS 命令 (AcsReport)
	Error   error           // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，处理器异步执行，单个处理器阻塞不影响其他处理器
// nil 总线上的发布是 no-op
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.handlers[e.Type] {
		go handler(e)
	}
}
