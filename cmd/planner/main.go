package main

import (
	"amr-logistics/internal/acs"
	"amr-logistics/internal/allocator"
	"amr-logistics/internal/api"
	"amr-logistics/internal/config"
	"amr-logistics/internal/engine"
	"amr-logistics/internal/event"
	"amr-logistics/internal/handlers"
	"amr-logistics/internal/persistence"
	"amr-logistics/internal/release"
	"amr-logistics/internal/robot"
	"amr-logistics/internal/store"
	"amr-logistics/internal/types"
	"amr-logistics/internal/web"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

// motion 是运动调度的两个方向：下发目标、读取位置
type motion interface {
	engine.MoveScheduler
	engine.PositionSource
}

// main 是 AMR 搬运规划服务的主入口
func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径，默认在当前目录查找 config.yaml")
	pflag.Parse()

	// 1. 加载配置，初始化日志
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 存储和车间布局
	mem, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Error("无法打开存储", "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if err := seedIfEmpty(ctx, mem, cfg.Facility, logger); err != nil {
		logger.Error("初始化车间布局失败", "error", err)
		os.Exit(1)
	}

	outbox, err := persistence.OpenOutbox(cfg.Store.RetryLogPath)
	if err != nil {
		logger.Error("无法初始化重试日志", "error", err)
		os.Exit(1)
	}
	defer outbox.Close()

	// 3. 事件总线、看板、ACS 会话
	eventBus := event.NewBus()

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)
	hub.SetSnapshot(func() interface{} { return stateTracker.GetStateSnapshot() })

	acsManager := acs.NewManager(eventBus, logger)

	var statusPublisher handlers.StatusPublisher
	var mqttClient *release.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = release.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Error("连接 MQTT 失败", "error", err)
			os.Exit(1)
		}
		defer mqttClient.Close()
		statusPublisher = release.NewStatusPublisher(mqttClient, cfg.MQTT.StatusTopic)
	}

	handlers.RegisterEventHandlers(handlers.Deps{
		Bus:              eventBus,
		Tracker:          stateTracker,
		Commander:        acsManager,
		Locations:        mem,
		Status:           statusPublisher,
		DispatchOnAssign: cfg.Planner.DispatchOnAssign,
		Logger:           logger,
	})

	// 4. 规划引擎和调度器
	alloc, err := allocator.New(mem, mem, cfg.Planner.AreaRule, logger)
	if err != nil {
		logger.Error("缓存区准入规则无效", "error", err)
		os.Exit(1)
	}
	planner := engine.NewPlanner(mem, mem, mem, alloc, eventBus, cfg.Facility.StockerID, logger)
	scheduler := engine.NewScheduler(planner, mem, outbox, eventBus, engine.SchedulerOptions{
		MaxWorkers:    cfg.MaxWorkers,
		RetryInterval: cfg.Retry.Interval(),
		MaxAttempts:   cfg.Retry.MaxAttempts,
	}, logger)

	if cfg.Planner.SimulateMotion {
		mover := newMotion(ctx, cfg.Robot, mem, logger)
		confirmer := engine.NewMotionConfirmer(mover, mover, cfg.Motion.PollInterval(), cfg.Motion.Timeout(), logger)
		scheduler.SetRouter(engine.NewRouteSimulator(mem, mem, mem, confirmer, logger))
	}

	if mqttClient != nil {
		if err := mqttClient.SubscribeReleases(ctx, scheduler); err != nil {
			logger.Error("订阅下发通道失败", "error", err)
			os.Exit(1)
		}
	}

	// 5. 恢复和启动
	if n := scheduler.RecoverRetries(ctx); n > 0 {
		logger.Info("从重试日志恢复 Lot", "count", n)
	}

	logger.Info("=== AMR 搬运规划服务启动 ===", "http_addr", cfg.HTTPAddr, "robot_mode", cfg.Robot.Mode)

	go scheduler.Start(ctx)
	go scheduler.RunRetryLoop(ctx)

	router := api.NewRouter(api.Deps{
		Store:     mem,
		Releaser:  planner,
		Submitter: scheduler,
		ACS:       acsManager,
		ACSPath:   cfg.ACS.Path,
		Dashboard: hub.ServeWs,
		Logger:    logger,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
			cancel()
		}
	}()

	// 6. 优雅停机
	waitForShutdown(ctx, logger, cancel, srv, scheduler)
}

// openStore 根据配置打开内存或 SQLite 快照存储
func openStore(cfg config.StoreConfig, logger *slog.Logger) (*store.Memory, func(), error) {
	if cfg.SQLitePath == "" {
		logger.Info("使用内存存储")
		return store.NewMemory(), func() {}, nil
	}
	s, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("使用 SQLite 快照存储", "path", s.Path())
	return s.Memory, func() {
		if err := s.Close(); err != nil {
			logger.Warn("关闭存储失败", "error", err)
		}
	}, nil
}

// seedIfEmpty 在存储中没有缓存区时按布局初始化车间
func seedIfEmpty(ctx context.Context, mem *store.Memory, layout types.FacilityLayout, logger *slog.Logger) error {
	areas, err := mem.ListAreas(ctx)
	if err != nil {
		return err
	}
	if len(areas) > 0 {
		logger.Info("沿用已恢复的车间状态", "areas", len(areas))
		return nil
	}
	if err := store.SeedFacility(ctx, mem, layout); err != nil {
		return err
	}
	logger.Info("车间布局初始化完成", "areas", len(layout.Areas), "robots", len(layout.Robots), "cassettes", len(layout.Cassettes))
	return nil
}

// newMotion 根据模式创建运动调度：sim 在进程内模拟车队，remote 调用外部车队服务
func newMotion(ctx context.Context, cfg config.RobotConfig, mem *store.Memory, logger *slog.Logger) motion {
	if cfg.Mode == config.RobotModeRemote {
		return robot.NewRemoteDispatcher(cfg.Endpoint, cfg.Timeout(), logger)
	}
	fleet := robot.NewSimFleet(cfg.Speed, cfg.Tick(), logger)
	robots, err := mem.ListRobots(ctx)
	if err != nil {
		logger.Warn("读取机器人列表失败", "error", err)
	}
	for _, r := range robots {
		fleet.Add(r.ID, r.Position)
	}
	fleet.OnMove(func(robotID string, pos types.Position) {
		if err := mem.SetRobotPosition(context.Background(), robotID, pos); err != nil {
			logger.Warn("更新机器人位置失败", "robot_id", robotID, "error", err)
		}
	})
	go fleet.Run(ctx)
	return fleet
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(ctx context.Context, logger *slog.Logger, cancel context.CancelFunc, srv *http.Server, scheduler *engine.Scheduler) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("接收到停机信号，正在优雅关闭...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭 HTTP 服务器失败", "error", err)
	}
	cancel()
	scheduler.WaitForCompletion()
	logger.Info("规划服务已安全退出")
}
