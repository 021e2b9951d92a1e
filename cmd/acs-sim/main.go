package main

import (
	"amr-logistics/internal/acs"
	"amr-logistics/internal/config"
	"amr-logistics/internal/robot"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

// simulator 是一个最小的 ACS 客户端：注册、应答所有下行命令、为 ExecutionPlan 回报完成
type simulator struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	failRate float64
	logger   *slog.Logger
}

func (s *simulator) send(env acs.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(env)
}

func (s *simulator) command(command string, payload interface{}) error {
	env := acs.Envelope{
		Command:       command,
		TransactionID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	return s.send(env)
}

// readLoop 处理规划服务下发的每一帧，直到连接断开
func (s *simulator) readLoop(ctx context.Context) error {
	for {
		var env acs.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return err
		}
		logger := s.logger.With("command", env.Command, "transaction_id", env.TransactionID)
		if acs.IsAck(env.Command) {
			logger.Info("收到应答", "result", env.Result, "message", env.Message)
			continue
		}

		ack := acs.Envelope{
			Command:       acs.AckOf(env.Command),
			TransactionID: env.TransactionID,
			Timestamp:     time.Now().UTC(),
			Result:        acs.ResultSuccess,
		}
		if err := s.send(ack); err != nil {
			return err
		}
		logger.Info("接收到下行命令")

		if env.Command == acs.CmdExecutionPlan {
			var plan acs.ExecutionPlanPayload
			if err := json.Unmarshal(env.Payload, &plan); err != nil {
				logger.Warn("解析执行计划失败", "error", err)
				continue
			}
			go s.execute(ctx, plan)
		}
	}
}

// execute 模拟执行耗时，然后回报 PlanReport 或 ErrorReport
func (s *simulator) execute(ctx context.Context, plan acs.ExecutionPlanPayload) {
	logger := s.logger.With("plan_id", plan.PlanID, "lot_id", plan.LotID)
	processTime := time.Duration(rand.Intn(2000)+1000) * time.Millisecond
	select {
	case <-ctx.Done():
		return
	case <-time.After(processTime):
	}

	report := acs.ReportPayload{PlanID: plan.PlanID, LotID: plan.LotID}
	command := acs.CmdPlanReport
	if rand.Float64() < s.failRate {
		command = acs.CmdErrorReport
		logger.Warn("模拟执行失败")
	} else {
		logger.Info("计划执行完成", "steps", len(plan.Steps), "duration", processTime.Seconds())
	}
	if err := s.command(command, report); err != nil {
		logger.Warn("回报失败", "error", err)
	}
}

// main 是 ACS 模拟器的入口：连接规划服务的 ACS 端点，同时提供模拟车队的 HTTP 接口
func main() {
	plannerURL := pflag.String("planner", "ws://localhost:8080/acs", "规划服务的 ACS WebSocket 地址")
	robotAddr := pflag.String("robot-addr", ":9090", "模拟车队 HTTP 监听地址，为空时不启动")
	configPath := pflag.StringP("config", "c", "", "配置文件路径，用于读取机器人布局")
	failRate := pflag.Float64("fail-rate", 0.1, "执行计划回报 ErrorReport 的概率")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "acs-sim")
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *robotAddr != "" {
		fleet := robot.NewSimFleet(cfg.Robot.Speed, cfg.Robot.Tick(), logger)
		for _, r := range cfg.Facility.Robots {
			fleet.Add(r.ID, r.Position)
		}
		go fleet.Run(ctx)
		srv := &http.Server{Addr: *robotAddr, Handler: robot.NewHandler(fleet, logger), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("模拟车队服务启动", "addr", *robotAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("模拟车队服务启动失败", "error", err)
			}
		}()
		defer srv.Close()
	}

	logger.Info("=== ACS 模拟器启动 ===", "planner", *plannerURL)
	for {
		if err := run(ctx, *plannerURL, *failRate, logger); err != nil {
			logger.Warn("会话结束", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("ACS 模拟器已退出")
			return
		case <-time.After(3 * time.Second):
			logger.Info("重新连接规划服务")
		}
	}
}

// run 建立一次会话：连接、注册、处理消息直到断开
func run(ctx context.Context, url string, failRate float64, logger *slog.Logger) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return errors.New("planner already has a registered ACS session")
		}
		return err
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s := &simulator{conn: conn, failRate: failRate, logger: logger}
	if err := s.command(acs.CmdRegistration, nil); err != nil {
		return err
	}
	return s.readLoop(ctx)
}
