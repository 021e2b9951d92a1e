package acs

import (
	"amr-logistics/internal/event"
	"amr-logistics/internal/types"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	addr   string
	mu     sync.Mutex
	sent   []Envelope
	closed bool
}

func (f *fakeConn) Send(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.addr }

func (f *fakeConn) messages() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.sent...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func frame(t *testing.T, command, txID string, payload interface{}) []byte {
	t.Helper()
	env := Envelope{Command: command, TransactionID: txID, Timestamp: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func registered(t *testing.T, m *Manager, addr string) *fakeConn {
	t.Helper()
	c := &fakeConn{addr: addr}
	if err := m.Attach(c); err != nil {
		t.Fatalf("Attach %s: %v", addr, err)
	}
	m.HandleFrame(c, frame(t, CmdRegistration, "reg-"+addr, nil))
	msgs := c.messages()
	if len(msgs) != 1 || msgs[0].Result != ResultSuccess {
		t.Fatalf("%s 注册应成功, 得到 %+v", addr, msgs)
	}
	return c
}

func TestRegistrationLifecycle(t *testing.T) {
	m := NewManager(nil, testLogger())
	if m.Session().State() != StateNoClient {
		t.Fatalf("初始状态应为 NoClient")
	}

	x := &fakeConn{addr: "X"}
	y := &fakeConn{addr: "Y"}
	if err := m.Attach(x); err != nil {
		t.Fatal(err)
	}
	if err := m.Attach(y); err != nil {
		t.Fatal(err)
	}
	if m.Session().State() != StatePendingRegistration {
		t.Errorf("连接后应为 PendingRegistration, 得到 %s", m.Session().State())
	}

	m.HandleFrame(x, frame(t, CmdRegistration, "tx-x", nil))
	ack := x.messages()[0]
	if ack.Command != "RegistrationAck" || ack.Result != ResultSuccess || ack.TransactionID != "tx-x" {
		t.Errorf("X 的注册应答不正确: %+v", ack)
	}
	var reg RegistrationPayload
	if err := json.Unmarshal(ack.Payload, &reg); err != nil || reg.SessionID == "" {
		t.Errorf("应答应带上会话 ID: %s", ack.Payload)
	}
	if !m.Registered() || m.Session().Admit() {
		t.Error("注册后应拒绝新连接")
	}

	m.HandleFrame(y, frame(t, CmdRegistration, "tx-y", nil))
	msgs := y.messages()
	if len(msgs) != 1 || msgs[0].Result != ResultFail {
		t.Fatalf("Y 应收到 Fail 应答, 得到 %+v", msgs)
	}
	if !y.isClosed() {
		t.Error("Y 应被强制断开")
	}
	if !m.Session().IsActive(x) {
		t.Error("X 仍应是活动会话")
	}

	m.Detach(x)
	if m.Session().State() != StateNoClient {
		t.Errorf("X 断开后应回到 NoClient, 得到 %s", m.Session().State())
	}

	registered(t, m, "Y")
}

func TestSessionChangesArePublished(t *testing.T) {
	bus := event.NewBus()
	changes := make(chan event.EventType, 4)
	bus.Subscribe(event.AcsRegistered, func(e event.Event) { changes <- e.Type })
	bus.Subscribe(event.AcsDisconnected, func(e event.Event) { changes <- e.Type })
	m := NewManager(bus, testLogger())

	pending := &fakeConn{addr: "P"}
	if err := m.Attach(pending); err != nil {
		t.Fatal(err)
	}
	m.Detach(pending)

	x := registered(t, m, "X")
	expectChange(t, changes, event.AcsRegistered)
	m.Detach(x)
	expectChange(t, changes, event.AcsDisconnected)
	if m.Registered() {
		t.Error("断开后不应保持注册")
	}

	select {
	case extra := <-changes:
		t.Errorf("未注册连接断开不应发布事件, 得到 %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectChange(t *testing.T, changes <-chan event.EventType, want event.EventType) {
	t.Helper()
	select {
	case got := <-changes:
		if got != want {
			t.Fatalf("预期 %s, 得到 %s", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("应发布 %s 事件", want)
	}
}

func TestSameConnectionRegisteringTwiceKeepsSession(t *testing.T) {
	m := NewManager(nil, testLogger())
	x := registered(t, m, "X")
	_, first, _ := m.Session().Active()

	m.HandleFrame(x, frame(t, CmdRegistration, "again", nil))
	msgs := x.messages()
	if len(msgs) != 2 || msgs[1].Result != ResultSuccess {
		t.Fatalf("同一连接再次注册应成功: %+v", msgs)
	}
	if _, second, _ := m.Session().Active(); second != first {
		t.Errorf("会话 ID 不应变化: %s -> %s", first, second)
	}
}

func TestAckIsNeverDispatched(t *testing.T) {
	bus := event.NewBus()
	reports := make(chan event.Event, 1)
	bus.Subscribe(event.AcsReport, func(e event.Event) { reports <- e })
	m := NewManager(bus, testLogger())
	x := registered(t, m, "X")

	m.HandleFrame(x, frame(t, "ExecutionPlanAck", "tx-1", map[string]string{"planId": "P1"}))
	if n := len(x.messages()); n != 1 {
		t.Errorf("应答消息不应产生回复, 共 %d 条", n)
	}
	select {
	case e := <-reports:
		t.Errorf("应答消息不应分发: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReportsAreAcknowledged(t *testing.T) {
	bus := event.NewBus()
	reports := make(chan event.Event, 1)
	bus.Subscribe(event.AcsReport, func(e event.Event) { reports <- e })
	m := NewManager(bus, testLogger())
	x := registered(t, m, "X")

	m.HandleFrame(x, frame(t, CmdJobReport, "tx-2", map[string]string{"planId": "P1", "whatever": "ignored"}))
	msgs := x.messages()
	if len(msgs) != 2 {
		t.Fatalf("应回复一条应答, 得到 %+v", msgs)
	}
	ack := msgs[1]
	if ack.Command != "JobReportAck" || ack.Result != ResultSuccess || ack.TransactionID != "tx-2" || ack.Message == "" {
		t.Errorf("应答不正确: %+v", ack)
	}
	select {
	case e := <-reports:
		if e.Command != CmdJobReport || e.PlanID != "P1" {
			t.Errorf("上报事件不正确: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("应发布 AcsReport 事件")
	}
}

func TestForeignAndMalformedMessagesAreDropped(t *testing.T) {
	m := NewManager(nil, testLogger())
	registered(t, m, "X")
	y := &fakeConn{addr: "Y"}
	if err := m.Attach(y); err == nil {
		t.Fatal("已注册时 Attach 应失败")
	}
	if !y.isClosed() {
		t.Error("被拒绝的连接应关闭")
	}

	stranger := &fakeConn{addr: "Z"}
	m.HandleFrame(stranger, frame(t, CmdPlanReport, "tx-3", nil))
	m.HandleFrame(stranger, []byte("{not json"))
	m.HandleFrame(stranger, []byte(`{"transactionId":"no-command"}`))
	if n := len(stranger.messages()); n != 0 {
		t.Errorf("外部连接的消息不应得到回复, 共 %d 条", n)
	}
}

func TestOutboundWithoutSessionIsNoop(t *testing.T) {
	m := NewManager(nil, testLogger())
	ctx := context.Background()
	if err := m.CancelPlan(ctx, "P1"); err != nil {
		t.Errorf("没有会话时应为 no-op: %v", err)
	}
	if err := m.RequestAcsErrorList(ctx); err != nil {
		t.Errorf("没有会话时应为 no-op: %v", err)
	}
	if err := m.Send(ctx, CmdSyncConfig, nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("Send 应返回 ErrNoSession, 得到 %v", err)
	}
}

func TestOutboundUsesFreshTransactionIDs(t *testing.T) {
	m := NewManager(nil, testLogger())
	x := registered(t, m, "X")
	ctx := context.Background()

	if err := m.PausePlan(ctx, "P1"); err != nil {
		t.Fatal(err)
	}
	if err := m.RequestAcsPlanHistory(ctx, []string{"P1", "P2"}); err != nil {
		t.Fatal(err)
	}
	msgs := x.messages()[1:]
	if len(msgs) != 2 {
		t.Fatalf("应发送 2 条命令, 得到 %d", len(msgs))
	}
	if msgs[0].TransactionID == "" || msgs[0].TransactionID == msgs[1].TransactionID {
		t.Errorf("每条命令应使用新的 transactionId: %q %q", msgs[0].TransactionID, msgs[1].TransactionID)
	}
	var ref PlanRef
	if err := json.Unmarshal(msgs[0].Payload, &ref); err != nil || ref.PlanID != "P1" || msgs[0].Command != CmdPausePlan {
		t.Errorf("PausePlan 负载不正确: %s", msgs[0].Payload)
	}
	var hist PlanHistoryRequest
	if err := json.Unmarshal(msgs[1].Payload, &hist); err != nil || len(hist.PlanIDs) != 2 {
		t.Errorf("RequestAcsPlanHistory 负载不正确: %s", msgs[1].Payload)
	}
}

type locationMap map[string]types.Location

func (l locationMap) GetLocation(_ context.Context, id string) (types.Location, error) {
	loc, ok := l[id]
	if !ok {
		return types.Location{}, errors.New("not found")
	}
	return loc, nil
}

func TestBuildExecutionPlan(t *testing.T) {
	lot := types.Lot{ID: "L1", Priority: 7}
	plan := types.Plan{
		ID:        "plan-1",
		CarrierID: "C1",
		Steps: []types.PlanStep{
			{Sequence: 1, Action: types.ActionCassetteLoad, TargetLocationID: "ST01.CP01", CarrierIDs: []string{"C1"},
				Jobs: []types.Job{{Sequence: 1, FromLocationID: "ST01.CP01", ToLocationID: "AMR01.CP01"}}},
			{Sequence: 2, Action: types.ActionCassetteUnload, TargetLocationID: "A1.CP03", CarrierIDs: []string{"C1"},
				Jobs: []types.Job{{Sequence: 1, FromLocationID: "AMR01.CP01", ToLocationID: "A1.CP03"}}},
		},
	}
	locs := locationMap{"A1.CP03": {ID: "A1.CP03", Position: types.Position{X: 12, Y: 5}}}

	got := BuildExecutionPlan(context.Background(), lot, plan, locs)
	if got.PlanID != "plan-1" || got.LotID != "L1" || got.Priority != 7 || len(got.Steps) != 2 {
		t.Fatalf("执行计划不正确: %+v", got)
	}
	drop := got.Steps[1]
	if drop.StepNo != 2 || drop.Action != types.ActionCassetteUnload || drop.Position != (StepPosition{LocationID: "A1.CP03", X: 12, Y: 5}) {
		t.Errorf("放货步骤不正确: %+v", drop)
	}
	if got.Steps[0].Position.LocationID != "ST01.CP01" || got.Steps[0].Jobs[0].To != "AMR01.CP01" {
		t.Errorf("取货步骤不正确: %+v", got.Steps[0])
	}
}
