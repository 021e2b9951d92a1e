package handlers

import (
	"amr-logistics/internal/acs"
	"amr-logistics/internal/event"
	"amr-logistics/internal/types"
	"amr-logistics/internal/web"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeCommander struct {
	acs.Commander // 未使用的方法
	mu            sync.Mutex
	plans         []acs.ExecutionPlanPayload
	offline       bool
}

func (f *fakeCommander) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *fakeCommander) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeCommander) ExecutionPlan(_ context.Context, p acs.ExecutionPlanPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, p)
	return nil
}

func (f *fakeCommander) sent() []acs.ExecutionPlanPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]acs.ExecutionPlanPayload(nil), f.plans...)
}

type fakeStatus struct {
	mu       sync.Mutex
	statuses []types.LotStatus
}

func (f *fakeStatus) PublishStatus(_ string, status types.LotStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStatus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func assignedLot() types.Lot {
	return types.Lot{
		ID:       "L1",
		Status:   types.LotAssigned,
		Priority: 2,
		Steps: []types.LotStep{{ID: "S1", PlanGroups: []types.PlanGroup{
			{Type: types.StockerToArea, Plans: []types.Plan{{ID: "p1"}, {ID: "p2"}}},
			{Type: types.AreaToSet, Plans: []types.Plan{}},
			{Type: types.SetToArea, Plans: []types.Plan{}},
			{Type: types.AreaToStocker, Plans: []types.Plan{{ID: "p3"}}},
		}}},
	}
}

func TestAssignedLotIsDispatchedPerPlan(t *testing.T) {
	bus := event.NewBus()
	cmd := &fakeCommander{}
	tracker := web.NewStateTracker(nil)
	RegisterEventHandlers(Deps{
		Bus:              bus,
		Tracker:          tracker,
		Commander:        cmd,
		DispatchOnAssign: true,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var mu sync.Mutex
	var dispatched []string
	bus.Subscribe(event.PlanDispatched, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, e.PlanID)
	})

	lot := assignedLot()
	bus.Publish(event.Event{Type: event.LotAssigned, LotID: lot.ID, Lot: &lot})

	eventually(t, func() bool { return len(cmd.sent()) == 3 })
	got := cmd.sent()
	if got[0].PlanID != "p1" || got[2].PlanID != "p3" || got[0].LotID != "L1" || got[0].Priority != 2 {
		t.Errorf("下发顺序或内容不正确: %+v", got)
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) == 3
	})
	eventually(t, func() bool { return tracker.GetStateSnapshot().Lots["L1"].Plans == 3 })
}

func TestDispatchDisabled(t *testing.T) {
	bus := event.NewBus()
	cmd := &fakeCommander{}
	RegisterEventHandlers(Deps{Bus: bus, Commander: cmd, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	lot := assignedLot()
	bus.Publish(event.Event{Type: event.LotAssigned, LotID: lot.ID, Lot: &lot})
	time.Sleep(50 * time.Millisecond)
	if n := len(cmd.sent()); n != 0 {
		t.Errorf("关闭下发时不应发送, 发送了 %d 个", n)
	}
}

func TestStatusChangesArePublished(t *testing.T) {
	bus := event.NewBus()
	status := &fakeStatus{}
	tracker := web.NewStateTracker(nil)
	RegisterEventHandlers(Deps{Bus: bus, Tracker: tracker, Status: status, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	bus.Publish(event.Event{Type: event.LotStatusChanged, LotID: "L1", Status: types.LotWaiting})
	eventually(t, func() bool { return status.count() == 1 })
	eventually(t, func() bool { return tracker.GetStateSnapshot().Lots["L1"].Status == types.LotWaiting })

	bus.Publish(event.Event{Type: event.AcsReport, Command: acs.CmdPlanReport})
	eventually(t, func() bool { return tracker.GetStateSnapshot().ACS.LastReport == acs.CmdPlanReport })
}

func TestDispatchSkippedWithoutSession(t *testing.T) {
	bus := event.NewBus()
	cmd := &fakeCommander{offline: true}
	RegisterEventHandlers(Deps{Bus: bus, Commander: cmd, DispatchOnAssign: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	dispatched := make(chan event.Event, 3)
	bus.Subscribe(event.PlanDispatched, func(e event.Event) { dispatched <- e })

	lot := assignedLot()
	bus.Publish(event.Event{Type: event.LotAssigned, LotID: lot.ID, Lot: &lot})
	select {
	case e := <-dispatched:
		t.Fatalf("没有会话时不应发布 PlanDispatched: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
	if n := len(cmd.sent()); n != 0 {
		t.Errorf("没有会话时不应下发, 下发了 %d 个", n)
	}
}

func TestDashboardFollowsACSSession(t *testing.T) {
	bus := event.NewBus()
	cmd := &fakeCommander{}
	tracker := web.NewStateTracker(nil)
	RegisterEventHandlers(Deps{Bus: bus, Tracker: tracker, Commander: cmd, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	bus.Publish(event.Event{Type: event.AcsRegistered, Command: acs.CmdRegistration})
	eventually(t, func() bool { return tracker.GetStateSnapshot().ACS.Registered })

	cmd.setOffline(true)
	bus.Publish(event.Event{Type: event.AcsDisconnected})
	eventually(t, func() bool { return !tracker.GetStateSnapshot().ACS.Registered })
}
