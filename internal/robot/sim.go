package robot

import (
	"amr-logistics/internal/types"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrUnknownRobot 表示机器人未登记
var ErrUnknownRobot = errors.New("unknown robot")

// 默认的模拟参数
const (
	DefaultSpeed = 1.0
	DefaultTick  = 100 * time.Millisecond
)

type simRobot struct {
	position types.Position
	target   *types.Position
}

// SimFleet 是模拟的机器人车队：ScheduleMove 设置目标，Run 按 tick 逐步移动
type SimFleet struct {
	mu     sync.Mutex
	robots map[string]*simRobot
	speed  float64 // 每个 tick 移动的距离
	tick   time.Duration
	onMove func(robotID string, pos types.Position)
	logger *slog.Logger
}

// NewSimFleet 创建模拟车队，speed/tick 不大于 0 时使用默认值
func NewSimFleet(speed float64, tick time.Duration, logger *slog.Logger) *SimFleet {
	if speed <= 0 {
		speed = DefaultSpeed
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &SimFleet{
		robots: make(map[string]*simRobot),
		speed:  speed,
		tick:   tick,
		logger: logger.With("component", "sim-fleet"),
	}
}

// Add 登记一台机器人
func (f *SimFleet) Add(robotID string, pos types.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.robots[robotID] = &simRobot{position: pos}
}

// OnMove 设置位置变化回调，在 Step 内、锁外调用
func (f *SimFleet) OnMove(fn func(robotID string, pos types.Position)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMove = fn
}

// ScheduleMove 设置机器人的目标位置，覆盖之前未完成的目标
func (f *SimFleet) ScheduleMove(_ context.Context, robotID string, target types.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.robots[robotID]
	if !ok {
		return fmt.Errorf("robot %s: %w", robotID, ErrUnknownRobot)
	}
	t := target
	r.target = &t
	f.logger.Debug("收到移动指令", "robot_id", robotID, "x", target.X, "y", target.Y)
	return nil
}

// Position 返回机器人的当前位置
func (f *SimFleet) Position(_ context.Context, robotID string) (types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.robots[robotID]
	if !ok {
		return types.Position{}, fmt.Errorf("robot %s: %w", robotID, ErrUnknownRobot)
	}
	return r.position, nil
}

// Step 让所有有目标的机器人前进一个 tick，距离不足一步时直接到达目标
func (f *SimFleet) Step() {
	type moved struct {
		id  string
		pos types.Position
	}
	var changes []moved

	f.mu.Lock()
	for id, r := range f.robots {
		if r.target == nil {
			continue
		}
		dx, dy := r.target.X-r.position.X, r.target.Y-r.position.Y
		dist := math.Hypot(dx, dy)
		if dist <= f.speed {
			r.position = *r.target
			r.target = nil
		} else {
			r.position.X += dx / dist * f.speed
			r.position.Y += dy / dist * f.speed
		}
		changes = append(changes, moved{id: id, pos: r.position})
	}
	onMove := f.onMove
	f.mu.Unlock()

	if onMove == nil {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].id < changes[j].id })
	for _, c := range changes {
		onMove(c.id, c.pos)
	}
}

// Run 按 tick 驱动车队，直到 ctx 取消
func (f *SimFleet) Run(ctx context.Context) {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Step()
		}
	}
}
