package robot

import (
	"amr-logistics/internal/types"
	"amr-logistics/internal/util"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimFleetStepsTowardTarget(t *testing.T) {
	ctx := context.Background()
	f := NewSimFleet(2, time.Millisecond, testLogger())
	f.Add("AMR01", types.Position{X: 0, Y: 0})

	var mu sync.Mutex
	var seen []types.Position
	f.OnMove(func(id string, pos types.Position) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, pos)
	})

	if err := f.ScheduleMove(ctx, "AMR01", types.Position{X: 5, Y: 0}); err != nil {
		t.Fatal(err)
	}
	f.Step()
	if pos, _ := f.Position(ctx, "AMR01"); pos != (types.Position{X: 2, Y: 0}) {
		t.Errorf("第一步后应位于 (2,0), 得到 %+v", pos)
	}
	f.Step()
	f.Step()
	if pos, _ := f.Position(ctx, "AMR01"); pos != (types.Position{X: 5, Y: 0}) {
		t.Errorf("最后一步应直接到达目标, 得到 %+v", pos)
	}
	f.Step()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("到达后不应再移动, 回调 %d 次", len(seen))
	}
}

func TestSimFleetUnknownRobot(t *testing.T) {
	f := NewSimFleet(0, 0, testLogger())
	if err := f.ScheduleMove(context.Background(), "ghost", types.Position{}); !errors.Is(err, ErrUnknownRobot) {
		t.Errorf("应返回 ErrUnknownRobot, 得到 %v", err)
	}
	if _, err := f.Position(context.Background(), "ghost"); !errors.Is(err, ErrUnknownRobot) {
		t.Errorf("应返回 ErrUnknownRobot, 得到 %v", err)
	}
	if f.speed != DefaultSpeed || f.tick != DefaultTick {
		t.Errorf("默认参数不正确: speed=%v tick=%v", f.speed, f.tick)
	}
}

func TestSimFleetRunReachesTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewSimFleet(1, time.Millisecond, testLogger())
	f.Add("AMR01", types.Position{})
	go f.Run(ctx)

	target := types.Position{X: 3, Y: 4}
	if err := f.ScheduleMove(ctx, "AMR01", target); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pos, _ := f.Position(ctx, "AMR01"); pos == target {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("机器人未到达目标")
}

func TestRemoteDispatcherAgainstSimHandler(t *testing.T) {
	f := NewSimFleet(100, time.Millisecond, testLogger())
	f.Add("AMR01", types.Position{X: 1, Y: 1})
	srv := httptest.NewServer(NewHandler(f, testLogger()))
	defer srv.Close()

	d := NewRemoteDispatcher(srv.URL, time.Second, testLogger())
	ctx := context.Background()

	pos, err := d.Position(ctx, "AMR01")
	if err != nil || pos != (types.Position{X: 1, Y: 1}) {
		t.Fatalf("Position: %+v, %v", pos, err)
	}
	if err := d.ScheduleMove(ctx, "AMR01", types.Position{X: 9, Y: 9}); err != nil {
		t.Fatalf("ScheduleMove: %v", err)
	}
	f.Step()
	if pos, _ := d.Position(ctx, "AMR01"); pos != (types.Position{X: 9, Y: 9}) {
		t.Errorf("移动后位置不正确: %+v", pos)
	}
	if err := d.ScheduleMove(ctx, "ghost", types.Position{}); err == nil {
		t.Error("未知机器人应返回错误")
	}
	if _, err := d.Position(ctx, "ghost"); err == nil {
		t.Error("未知机器人应返回错误")
	}
}

func TestRemoteDispatcherPropagatesTraceID(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Trace-ID")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx := util.ContextWithTraceID(context.Background(), "trace-123")
	if err := NewRemoteDispatcher(srv.URL, 0, testLogger()).ScheduleMove(ctx, "AMR01", types.Position{}); err != nil {
		t.Fatal(err)
	}
	if id := <-got; id != "trace-123" {
		t.Errorf("应携带 X-Trace-ID, 得到 %q", id)
	}
}
