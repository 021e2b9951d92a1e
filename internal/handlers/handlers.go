package handlers

import (
	"amr-logistics/internal/acs"
	"amr-logistics/internal/event"
	"amr-logistics/internal/types"
	"amr-logistics/internal/util"
	"amr-logistics/internal/web"
	"context"
	"log/slog"
)

// StatusPublisher 向外部状态通道发布 Lot 状态
type StatusPublisher interface {
	PublishStatus(lotID string, status types.LotStatus) error
}

// Commander 是下发处理器使用的 ACS 出站接口
type Commander interface {
	acs.Commander
	Registered() bool
}

// Deps 是事件处理器的依赖；Commander / Status / Tracker 为 nil 时跳过对应处理
type Deps struct {
	Bus              *event.Bus
	Tracker          *web.StateTracker
	Commander        Commander
	Locations        acs.LocationReader
	Status           StatusPublisher
	DispatchOnAssign bool
	Logger           *slog.Logger
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 不同的业务关注点（看板、状态通道、ACS 下发、日志）在这里解耦
func RegisterEventHandlers(d Deps) {
	bus := d.Bus
	logger := d.Logger.With("component", "handlers")

	// --- 看板处理器 (Dashboard Handler) ---
	if st := d.Tracker; st != nil {
		bus.Subscribe(event.LotQueued, func(e event.Event) {
			if e.Lot != nil {
				st.UpsertLot(*e.Lot)
			}
		})
		bus.Subscribe(event.LotAssigned, func(e event.Event) {
			if e.Lot != nil {
				st.UpsertLot(*e.Lot)
			}
		})
		bus.Subscribe(event.LotStatusChanged, func(e event.Event) {
			lastErr := ""
			if e.Error != nil {
				lastErr = e.Error.Error()
			}
			st.UpdateStatus(e.LotID, e.Status, lastErr)
		})
		bus.Subscribe(event.LotFailed, func(e event.Event) {
			st.MarkFailed(e.LotID, e.Error)
		})
		// 事件异步处理，会话状态以 Commander 的当前状态为准
		sessionUp := func(fallback bool) bool {
			if d.Commander == nil {
				return fallback
			}
			return d.Commander.Registered()
		}
		bus.Subscribe(event.AcsReport, func(e event.Event) {
			st.SetACS(sessionUp(true), e.Command)
		})
		bus.Subscribe(event.AcsRegistered, func(e event.Event) {
			st.SetACS(sessionUp(true), "")
		})
		bus.Subscribe(event.AcsDisconnected, func(e event.Event) {
			st.SetACS(sessionUp(false), "")
		})
	}

	// --- 状态通道处理器 (Status Channel Handler) ---
	if d.Status != nil {
		bus.Subscribe(event.LotStatusChanged, func(e event.Event) {
			if err := d.Status.PublishStatus(e.LotID, e.Status); err != nil {
				logger.Warn("发布 Lot 状态失败", "lot_id", e.LotID, "status", e.Status, "error", err)
			}
		})
	}

	// --- ACS 下发处理器 (Dispatch Handler) ---
	if d.DispatchOnAssign && d.Commander != nil {
		bus.Subscribe(event.LotAssigned, func(e event.Event) {
			if e.Lot != nil {
				dispatchPlans(d, *e.Lot, logger)
			}
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.LotStatusChanged, func(e event.Event) {
		logger.Info("Lot 状态变化", "lot_id", e.LotID, "status", e.Status)
	})
	bus.Subscribe(event.LotFailed, func(e event.Event) {
		logger.Error("Lot 规划失败", "lot_id", e.LotID, "error", e.Error)
	})
	bus.Subscribe(event.PlanDispatched, func(e event.Event) {
		logger.Info("执行计划已下发", "lot_id", e.LotID, "plan_id", e.PlanID)
	})
	bus.Subscribe(event.AcsReport, func(e event.Event) {
		logger.Info("收到 ACS 上报", "command", e.Command, "plan_id", e.PlanID, "lot_id", e.LotID)
	})
	bus.Subscribe(event.AcsDisconnected, func(e event.Event) {
		logger.Warn("ACS 会话已断开")
	})
}

// dispatchPlans 按阶段顺序为每个 Plan 下发一个 ExecutionPlan
func dispatchPlans(d Deps, lot types.Lot, logger *slog.Logger) {
	if !d.Commander.Registered() {
		logger.Warn("没有已注册的 ACS 会话，跳过下发", "lot_id", lot.ID, "steps", len(lot.Steps))
		return
	}
	ctx := util.ContextWithTraceID(context.Background(), util.NewTraceID())
	for _, step := range lot.Steps {
		for _, group := range step.PlanGroups {
			for _, plan := range group.Plans {
				payload := acs.BuildExecutionPlan(ctx, lot, plan, d.Locations)
				if err := d.Commander.ExecutionPlan(ctx, payload); err != nil {
					logger.Warn("下发执行计划失败", "lot_id", lot.ID, "plan_id", plan.ID, "error", err)
					continue
				}
				d.Bus.Publish(event.Event{Type: event.PlanDispatched, LotID: lot.ID, PlanID: plan.ID})
			}
		}
	}
}
