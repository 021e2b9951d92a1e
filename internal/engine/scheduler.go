package engine

import (
	"amr-logistics/internal/event"
	"amr-logistics/internal/metrics"
	"amr-logistics/internal/persistence"
	"amr-logistics/internal/store"
	"amr-logistics/internal/util"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Generator 为一个 Lot 生成搬运计划
type Generator interface {
	Generate(ctx context.Context, lotID string) (bool, error)
	FailLot(ctx context.Context, lotID string, reason error) error
}

// Router 在计划生成后驱动模拟路线
type Router interface {
	Run(ctx context.Context, lotID string) (int, error)
}

// SchedulerOptions 是调度器的可调参数
type SchedulerOptions struct {
	MaxWorkers    int           // 最大并发规划数
	RetryInterval time.Duration // 重试队列扫描间隔
	MaxAttempts   int           // 超过后将 Lot 标记为 Error，0 表示不限
}

// Scheduler 接收下发事件，按 Lot 优先级排队，并用 worker 池并发规划
// 不同 Lot 之间没有顺序保证；同一 Lot 同时只会有一个规划在执行
type Scheduler struct {
	pq       PriorityQueue
	gen      Generator
	lots     LotReader
	route    Router
	outbox   *persistence.Outbox
	eventBus *event.Bus
	logger   *slog.Logger
	opts     SchedulerOptions

	mu     sync.Mutex
	cond   *sync.Cond
	active map[string]bool // 已排队或正在执行的 Lot
	wg     sync.WaitGroup
}

// NewScheduler 创建一个新的 Scheduler 实例；outbox 为 nil 时失败不会被持久化
func NewScheduler(gen Generator, lots LotReader, outbox *persistence.Outbox, bus *event.Bus, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 1
	}
	s := &Scheduler{
		pq:       make(PriorityQueue, 0),
		gen:      gen,
		lots:     lots,
		outbox:   outbox,
		eventBus: bus,
		logger:   logger.With("component", "scheduler"),
		opts:     opts,
		active:   make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetRouter 设置计划生成后的模拟路线执行器
func (s *Scheduler) SetRouter(r Router) {
	s.route = r
}

// Submit 处理一次下发事件
// Lot 不存在时记录警告后丢弃，不重试
func (s *Scheduler) Submit(ctx context.Context, lotID string) {
	lot, err := s.lots.GetLot(ctx, lotID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Lot 不存在，丢弃下发事件", "lot_id", lotID)
		metrics.LotsProcessedTotal.WithLabelValues("dropped").Inc()
		return
	}
	priority := 0
	if err != nil {
		// 查询失败时仍然排队，由规划过程决定是否进入重试
		s.logger.Warn("查询 Lot 失败，按默认优先级排队", "lot_id", lotID, "error", err)
	} else {
		priority = lot.Priority
	}

	s.mu.Lock()
	if s.active[lotID] {
		s.mu.Unlock()
		s.logger.Debug("Lot 已在队列或执行中，忽略重复事件", "lot_id", lotID)
		return
	}
	s.active[lotID] = true
	heap.Push(&s.pq, &Item{LotID: lotID, Priority: priority, Enqueued: time.Now()})
	metrics.LotsInQueue.Inc()
	s.cond.Signal()
	s.mu.Unlock()

	s.logger.Info("Lot 进入规划队列", "lot_id", lotID, "priority", priority)
	if err == nil {
		s.eventBus.Publish(event.Event{Type: event.LotQueued, LotID: lotID, Lot: &lot})
	}
}

// RecoverRetries 从重试日志中恢复未完成的 Lot
func (s *Scheduler) RecoverRetries(ctx context.Context) int {
	if s.outbox == nil {
		return 0
	}
	pending := s.outbox.Pending()
	for _, e := range pending {
		s.logger.Info("重新加载待重试的 Lot", "lot_id", e.LotID, "attempts", e.Attempts)
		s.Submit(ctx, e.LotID)
	}
	return len(pending)
}

// RunRetryLoop 定期把重试队列中的 Lot 重新提交，直到 ctx 取消
func (s *Scheduler) RunRetryLoop(ctx context.Context) {
	if s.outbox == nil || s.opts.RetryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RecoverRetries(ctx)
		}
	}
}

// Start 启动调度循环，直到 ctx 取消
func (s *Scheduler) Start(ctx context.Context) {
	workerPool := make(chan struct{}, s.opts.MaxWorkers)

	// 监听上下文取消信号，唤醒等待中的循环
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		for s.pq.Len() == 0 {
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.pq).(*Item)
		metrics.LotsInQueue.Dec()
		s.mu.Unlock()

		select {
		case workerPool <- struct{}{}:
		case <-ctx.Done():
			s.release(item.LotID)
			return
		}
		s.wg.Add(1)

		go func(lotID string) {
			defer s.wg.Done()
			defer func() { <-workerPool }()
			defer s.release(lotID)

			taskCtx := util.ContextWithTraceID(ctx, util.NewTraceID())
			s.process(taskCtx, lotID)
		}(item.LotID)
	}
}

func (s *Scheduler) release(lotID string) {
	s.mu.Lock()
	delete(s.active, lotID)
	s.mu.Unlock()
}

// process 执行一次规划；任何错误或 panic 都会进入重试队列，Lot 保持当时的部分状态
func (s *Scheduler) process(ctx context.Context, lotID string) {
	logger := s.logger.With("lot_id", lotID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	assigned, err := s.generate(ctx, lotID)
	if err != nil {
		s.recordFailure(ctx, lotID, err, logger)
		return
	}
	if s.outbox != nil {
		if err := s.outbox.Complete(lotID); err != nil {
			logger.Error("写入重试日志失败", "error", err)
		}
	}
	if !assigned {
		return
	}
	metrics.LotsProcessedTotal.WithLabelValues("assigned").Inc()

	if s.route != nil {
		if _, err := s.route.Run(ctx, lotID); err != nil {
			logger.Warn("模拟路线执行失败", "error", err)
		}
	}
}

func (s *Scheduler) generate(ctx context.Context, lotID string) (assigned bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during plan generation: %v", r)
		}
	}()
	return s.gen.Generate(ctx, lotID)
}

func (s *Scheduler) recordFailure(ctx context.Context, lotID string, cause error, logger *slog.Logger) {
	logger.Error("搬运计划生成失败", "error", cause)
	metrics.LotsProcessedTotal.WithLabelValues("failed").Inc()
	s.eventBus.Publish(event.Event{Type: event.LotFailed, LotID: lotID, Error: cause})

	if s.outbox == nil {
		return
	}
	attempts, err := s.outbox.Append(lotID, cause)
	if err != nil {
		logger.Error("写入重试日志失败", "error", err)
		return
	}
	if s.opts.MaxAttempts <= 0 || attempts < s.opts.MaxAttempts {
		logger.Info("Lot 已进入重试队列", "attempts", attempts)
		return
	}

	logger.Warn("重试次数耗尽，Lot 标记为 Error", "attempts", attempts)
	metrics.LotsProcessedTotal.WithLabelValues("abandoned").Inc()
	if err := s.gen.FailLot(context.WithoutCancel(ctx), lotID, cause); err != nil {
		logger.Error("标记 Lot 失败状态失败", "error", err)
	}
	if err := s.outbox.Complete(lotID); err != nil {
		logger.Error("写入重试日志失败", "error", err)
	}
}

// QueueLen 返回当前排队中的 Lot 数
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}

// WaitForCompletion 等待所有正在执行的规划完成，用于优雅停机
func (s *Scheduler) WaitForCompletion() {
	s.wg.Wait()
}
