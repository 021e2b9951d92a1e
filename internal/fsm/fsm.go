package fsm

import (
	"amr-logistics/internal/types"
	"errors"
	"fmt"
)

// Event 定义驱动 Lot 状态变化的事件
type Event string

const (
	EventRelease  Event = "RELEASE"  // 工单下发
	EventAssign   Event = "ASSIGN"   // 搬运计划生成完毕
	EventStart    Event = "START"    // 开始执行
	EventComplete Event = "COMPLETE" // 执行完成
	EventFail     Event = "FAIL"     // 异常，任意状态可达
)

// ErrInvalidTransition 表示当前状态下不允许该事件
var ErrInvalidTransition = errors.New("invalid lot status transition")

// Machine 是 Lot 状态的转移表
// 本身无状态，可被多个 goroutine 共享
type Machine struct {
	// transitions 定义状态转移表: CurrentStatus -> Event -> NextStatus
	transitions map[types.LotStatus]map[Event]types.LotStatus
}

// New 创建一个带有默认转移表的状态机
func New() *Machine {
	m := &Machine{transitions: make(map[types.LotStatus]map[Event]types.LotStatus)}
	m.addTransition(types.LotNone, EventRelease, types.LotWaiting)
	m.addTransition(types.LotNone, EventAssign, types.LotAssigned)
	m.addTransition(types.LotWaiting, EventRelease, types.LotWaiting)
	m.addTransition(types.LotWaiting, EventAssign, types.LotAssigned)
	// 重新规划时保持 Assigned
	m.addTransition(types.LotAssigned, EventAssign, types.LotAssigned)
	m.addTransition(types.LotAssigned, EventStart, types.LotProcessing)
	m.addTransition(types.LotProcessing, EventComplete, types.LotCompleted)
	return m
}

func (m *Machine) addTransition(from types.LotStatus, event Event, to types.LotStatus) {
	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[Event]types.LotStatus)
	}
	m.transitions[from][event] = to
}

// Next 返回触发事件后的新状态
func (m *Machine) Next(current types.LotStatus, event Event) (types.LotStatus, error) {
	if event == EventFail {
		return types.LotError, nil
	}
	next, ok := m.transitions[current][event]
	if !ok {
		return current, fmt.Errorf("%w: cannot fire %s from %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// Can 判断事件在当前状态下是否合法
func (m *Machine) Can(current types.LotStatus, event Event) bool {
	_, err := m.Next(current, event)
	return err == nil
}
