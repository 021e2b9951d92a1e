package web

import (
	"amr-logistics/internal/types"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	states []GlobalState
}

func (r *recordingBroadcaster) BroadcastState(state interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state.(GlobalState))
}

func TestStateTrackerTracksLots(t *testing.T) {
	b := &recordingBroadcaster{}
	st := NewStateTracker(b)

	lot := types.Lot{ID: "L1", Name: "lot one", Status: types.LotWaiting, Priority: 3}
	st.UpsertLot(lot)

	lot.Status = types.LotAssigned
	lot.Steps = []types.LotStep{{ID: "S1", PlanGroups: []types.PlanGroup{
		{Type: types.StockerToArea, Plans: []types.Plan{{ID: "p1"}, {ID: "p2"}}},
		{Type: types.AreaToSet, Plans: []types.Plan{{ID: "p3"}}},
	}}}
	st.UpsertLot(lot)
	st.MarkFailed("L1", errors.New("area unavailable"))
	st.MarkFailed("unknown", errors.New("ignored"))
	st.SetACS(true, "PlanReport")

	snap := st.GetStateSnapshot()
	got := snap.Lots["L1"]
	if got.Status != types.LotAssigned || got.Plans != 3 || got.Priority != 3 || got.LastError != "area unavailable" {
		t.Errorf("看板状态不正确: %+v", got)
	}
	if _, ok := snap.Lots["unknown"]; ok {
		t.Error("MarkFailed 不应创建未知 Lot")
	}
	if !snap.ACS.Registered || snap.ACS.LastReport != "PlanReport" {
		t.Errorf("ACS 状态不正确: %+v", snap.ACS)
	}
	if len(b.states) != 4 {
		t.Errorf("每次变化都应广播, 共 %d 次", len(b.states))
	}

	// 快照是副本
	snap.Lots["L1"] = LotState{}
	if st.GetStateSnapshot().Lots["L1"].ID != "L1" {
		t.Error("修改快照不应影响内部状态")
	}
}

func TestStateTrackerUpdateStatusCreatesEntry(t *testing.T) {
	st := NewStateTracker(nil)
	st.UpdateStatus("L9", types.LotError, "boom")
	if got := st.GetStateSnapshot().Lots["L9"]; got.Status != types.LotError || got.LastError != "boom" {
		t.Errorf("状态不正确: %+v", got)
	}
}

func TestStateTrackerIgnoresStaleStatus(t *testing.T) {
	st := NewStateTracker(nil)
	st.UpsertLot(types.Lot{ID: "L1", Status: types.LotAssigned, Steps: []types.LotStep{{PlanGroups: []types.PlanGroup{{Plans: []types.Plan{{ID: "p1"}}}}}}})

	// 较早发布的事件晚到
	st.UpsertLot(types.Lot{ID: "L1", Status: types.LotWaiting})
	st.UpdateStatus("L1", types.LotWaiting, "")

	got := st.GetStateSnapshot().Lots["L1"]
	if got.Status != types.LotAssigned || got.Plans != 1 {
		t.Errorf("看板不应回退: %+v", got)
	}

	st.UpdateStatus("L1", types.LotError, "boom")
	if got := st.GetStateSnapshot().Lots["L1"]; got.Status != types.LotError {
		t.Errorf("Error 可以从任意状态进入, 得到 %s", got.Status)
	}
}

func TestHubSendsSnapshotAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	st := NewStateTracker(hub)
	hub.SetSnapshot(func() interface{} { return st.GetStateSnapshot() })
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first GlobalState
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("应先收到全量快照: %v", err)
	}
	if len(first.Lots) != 0 {
		t.Errorf("初始快照应为空: %+v", first)
	}

	st.UpsertLot(types.Lot{ID: "L1", Status: types.LotWaiting})
	var update GlobalState
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("应收到广播: %v", err)
	}
	if update.Lots["L1"].Status != types.LotWaiting {
		t.Errorf("广播内容不正确: %+v", update)
	}

	raw, _ := json.Marshal(update)
	if !strings.Contains(string(raw), `"lots"`) {
		t.Errorf("序列化字段不正确: %s", raw)
	}
}
