package api

import (
	"amr-logistics/internal/acs"
	"amr-logistics/internal/fsm"
	"amr-logistics/internal/store"
	"amr-logistics/internal/types"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeACS struct {
	acs.Commander
	mu         sync.Mutex
	registered bool
	sent       []string
	planIDs    []string
}

func (f *fakeACS) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (f *fakeACS) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *fakeACS) record(command, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, command)
	if planID != "" {
		f.planIDs = append(f.planIDs, planID)
	}
	return nil
}

func (f *fakeACS) CancelPlan(_ context.Context, id string) error {
	return f.record(acs.CmdCancelPlan, id)
}
func (f *fakeACS) AbortPlan(_ context.Context, id string) error {
	return f.record(acs.CmdAbortPlan, id)
}
func (f *fakeACS) PausePlan(_ context.Context, id string) error {
	return f.record(acs.CmdPausePlan, id)
}
func (f *fakeACS) ResumePlan(_ context.Context, id string) error {
	return f.record(acs.CmdResumePlan, id)
}
func (f *fakeACS) SyncConfig(_ context.Context, _ interface{}) error {
	return f.record(acs.CmdSyncConfig, "")
}
func (f *fakeACS) RequestAcsPlans(_ context.Context) error {
	return f.record(acs.CmdRequestAcsPlans, "")
}
func (f *fakeACS) RequestAcsPlanHistory(_ context.Context, ids []string) error {
	for _, id := range ids {
		f.record(acs.CmdRequestAcsPlanHistory, id)
	}
	return nil
}
func (f *fakeACS) RequestAcsErrorList(_ context.Context) error {
	return f.record(acs.CmdRequestAcsErrorList, "")
}

// fakeReleaser 只推进状态，不做规划
type fakeReleaser struct {
	store *store.Memory
}

func (f fakeReleaser) Release(ctx context.Context, lotID string) (types.Lot, error) {
	lot, err := f.store.GetLot(ctx, lotID)
	if err != nil {
		return types.Lot{}, err
	}
	next, err := fsm.New().Next(lot.Status, fsm.EventRelease)
	if err != nil {
		return types.Lot{}, err
	}
	if err := f.store.UpdateLotStatus(ctx, lotID, next, ""); err != nil {
		return types.Lot{}, err
	}
	lot.Status = next
	return lot, nil
}

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingSubmitter) Submit(_ context.Context, lotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, lotID)
}

type testEnv struct {
	srv       *httptest.Server
	store     *store.Memory
	acs       *fakeACS
	submitter *recordingSubmitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	env := &testEnv{store: mem, acs: &fakeACS{}, submitter: &recordingSubmitter{}}
	router := NewRouter(Deps{
		Store:     mem,
		Releaser:  fakeReleaser{store: mem},
		Submitter: env.submitter,
		ACS:       env.acs,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	env.srv = httptest.NewServer(router)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCreateAndGetLot(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/lots", CreateLotRequest{
		ID:          "LOT1",
		Name:        "lot one",
		Priority:    3,
		CassetteIDs: []string{"C1", "C2"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201，实际 %d", resp.StatusCode)
	}
	created := decode[types.Lot](t, resp)
	if created.Status != types.LotNone {
		t.Errorf("新 Lot 状态应为 None，实际 %s", created.Status)
	}
	if len(created.Steps) != 1 || len(created.Steps[0].CassetteIDs) != 2 {
		t.Fatalf("默认步骤应包含全部 Cassette: %+v", created.Steps)
	}

	resp = env.do(t, http.MethodGet, "/api/lots/LOT1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	got := decode[types.Lot](t, resp)
	if got.Priority != 3 || got.Steps[0].ID != "LOT1-S1" {
		t.Errorf("读取的 Lot 不符合预期: %+v", got)
	}
}

func TestCreateLotValidation(t *testing.T) {
	env := newTestEnv(t)

	if resp := env.do(t, http.MethodPost, "/api/lots", CreateLotRequest{ID: "LOT1"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("缺少 Cassette 应返回 400，实际 %d", resp.StatusCode)
	}

	env.do(t, http.MethodPost, "/api/lots", CreateLotRequest{ID: "LOT1", CassetteIDs: []string{"C1"}})
	if resp := env.do(t, http.MethodPost, "/api/lots", CreateLotRequest{ID: "LOT1", CassetteIDs: []string{"C1"}}); resp.StatusCode != http.StatusConflict {
		t.Errorf("重复 ID 应返回 409，实际 %d", resp.StatusCode)
	}
}

func TestGetUnknownLot(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.do(t, http.MethodGet, "/api/lots/NOPE", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("期望 404，实际 %d", resp.StatusCode)
	}
}

func TestReleaseLotSubmits(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveLot(context.Background(), types.Lot{ID: "LOT1", Status: types.LotNone, ReceivedTime: time.Now(), CassetteIDs: []string{"C1"}})

	resp := env.do(t, http.MethodPost, "/api/lots/LOT1/release", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202，实际 %d", resp.StatusCode)
	}
	if lot := decode[types.Lot](t, resp); lot.Status != types.LotWaiting {
		t.Errorf("期望 Waiting，实际 %s", lot.Status)
	}
	if len(env.submitter.ids) != 1 || env.submitter.ids[0] != "LOT1" {
		t.Errorf("Lot 应被提交: %v", env.submitter.ids)
	}
}

func TestReleaseCompletedLotConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.store.SaveLot(context.Background(), types.Lot{ID: "LOT1", Status: types.LotCompleted})

	if resp := env.do(t, http.MethodPost, "/api/lots/LOT1/release", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("期望 409，实际 %d", resp.StatusCode)
	}
	if len(env.submitter.ids) != 0 {
		t.Errorf("非法状态的 Lot 不应被提交")
	}
}

func TestPlanCommands(t *testing.T) {
	env := newTestEnv(t)
	env.acs.registered = true

	for _, action := range []string{"cancel", "abort", "pause", "resume"} {
		resp := env.do(t, http.MethodPost, "/api/plans/P1/"+action, nil)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: 期望 202，实际 %d", action, resp.StatusCode)
		}
		if body := decode[CommandResponse](t, resp); !body.Registered {
			t.Errorf("%s: 会话已注册时 registered 应为 true", action)
		}
	}
	want := []string{acs.CmdCancelPlan, acs.CmdAbortPlan, acs.CmdPausePlan, acs.CmdResumePlan}
	for i, c := range want {
		if env.acs.sent[i] != c || env.acs.planIDs[i] != "P1" {
			t.Errorf("第 %d 条命令期望 %s(P1)，实际 %s(%s)", i, c, env.acs.sent[i], env.acs.planIDs[i])
		}
	}

	if resp := env.do(t, http.MethodPost, "/api/plans/P1/explode", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("未知动作应返回 404，实际 %d", resp.StatusCode)
	}
}

func TestACSRequests(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/acs/sync-config", map[string]int{"maxSpeed": 2})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202，实际 %d", resp.StatusCode)
	}
	if body := decode[CommandResponse](t, resp); body.Registered {
		t.Errorf("没有会话时 registered 应为 false")
	}
	env.do(t, http.MethodPost, "/api/acs/plans", nil)
	env.do(t, http.MethodPost, "/api/acs/plan-history", PlanHistoryRequest{PlanIDs: []string{"P1", "P2"}})
	env.do(t, http.MethodPost, "/api/acs/errors", nil)

	want := []string{acs.CmdSyncConfig, acs.CmdRequestAcsPlans, acs.CmdRequestAcsPlanHistory, acs.CmdRequestAcsPlanHistory, acs.CmdRequestAcsErrorList}
	if len(env.acs.sent) != len(want) {
		t.Fatalf("期望 %d 条命令，实际 %v", len(want), env.acs.sent)
	}
	for i := range want {
		if env.acs.sent[i] != want[i] {
			t.Errorf("第 %d 条命令期望 %s，实际 %s", i, want[i], env.acs.sent[i])
		}
	}
}

func TestStateAndMounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.SaveLot(ctx, types.Lot{ID: "LOT1", Status: types.LotNone})
	env.store.SaveRobot(ctx, types.Robot{ID: "AMR01", Type: types.RobotLogistics})

	resp := env.do(t, http.MethodGet, "/api/state", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", resp.StatusCode)
	}
	state := decode[StateResponse](t, resp)
	if len(state.Lots) != 1 || len(state.Robots) != 1 {
		t.Errorf("状态快照不完整: %+v", state)
	}

	if resp := env.do(t, http.MethodGet, "/acs", nil); resp.StatusCode != http.StatusTeapot {
		t.Errorf("/acs 应交给 ACS 处理器，实际 %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/metrics", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics 期望 200，实际 %d", resp.StatusCode)
	}
}
