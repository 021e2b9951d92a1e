package acs

import (
	"amr-logistics/internal/metrics"
	"amr-logistics/internal/util"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Commander 是规划侧使用的出站命令接口
// 发送是单向的：不等待应答，也不做 transactionId 关联；没有会话时记录警告后返回 nil
type Commander interface {
	ExecutionPlan(ctx context.Context, plan ExecutionPlanPayload) error
	CancelPlan(ctx context.Context, planID string) error
	AbortPlan(ctx context.Context, planID string) error
	PausePlan(ctx context.Context, planID string) error
	ResumePlan(ctx context.Context, planID string) error
	SyncConfig(ctx context.Context, config interface{}) error
	RequestAcsPlans(ctx context.Context) error
	RequestAcsPlanHistory(ctx context.Context, planIDs []string) error
	RequestAcsErrorList(ctx context.Context) error
}

var _ Commander = (*Manager)(nil)

// ExecutionPlan 下发一个执行计划
func (m *Manager) ExecutionPlan(ctx context.Context, plan ExecutionPlanPayload) error {
	return m.dispatch(ctx, CmdExecutionPlan, plan)
}

// CancelPlan 取消计划
func (m *Manager) CancelPlan(ctx context.Context, planID string) error {
	return m.dispatch(ctx, CmdCancelPlan, PlanRef{PlanID: planID})
}

// AbortPlan 中止计划
func (m *Manager) AbortPlan(ctx context.Context, planID string) error {
	return m.dispatch(ctx, CmdAbortPlan, PlanRef{PlanID: planID})
}

// PausePlan 暂停计划
func (m *Manager) PausePlan(ctx context.Context, planID string) error {
	return m.dispatch(ctx, CmdPausePlan, PlanRef{PlanID: planID})
}

// ResumePlan 恢复计划
func (m *Manager) ResumePlan(ctx context.Context, planID string) error {
	return m.dispatch(ctx, CmdResumePlan, PlanRef{PlanID: planID})
}

// SyncConfig 同步配置，config 原样作为负载
func (m *Manager) SyncConfig(ctx context.Context, config interface{}) error {
	return m.dispatch(ctx, CmdSyncConfig, config)
}

// RequestAcsPlans 请求 ACS 当前的计划列表
func (m *Manager) RequestAcsPlans(ctx context.Context) error {
	return m.dispatch(ctx, CmdRequestAcsPlans, nil)
}

// RequestAcsPlanHistory 请求指定计划的历史
func (m *Manager) RequestAcsPlanHistory(ctx context.Context, planIDs []string) error {
	if planIDs == nil {
		planIDs = []string{}
	}
	return m.dispatch(ctx, CmdRequestAcsPlanHistory, PlanHistoryRequest{PlanIDs: planIDs})
}

// RequestAcsErrorList 请求 ACS 的错误列表
func (m *Manager) RequestAcsErrorList(ctx context.Context) error {
	return m.dispatch(ctx, CmdRequestAcsErrorList, nil)
}

// dispatch 发送命令；没有会话时是 no-op
func (m *Manager) dispatch(ctx context.Context, command string, payload interface{}) error {
	err := m.Send(ctx, command, payload)
	if errors.Is(err, ErrNoSession) {
		m.logger.Warn("没有已注册的 ACS 会话，命令未发送", "command", command)
		return nil
	}
	return err
}

// Send 发送一条出站命令，每次使用新的 transactionId 和时间戳
// 没有会话时返回 ErrNoSession
func (m *Manager) Send(ctx context.Context, command string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, sessionID, ok := m.session.Active()
	if !ok {
		return ErrNoSession
	}
	env := Envelope{
		Command:       command,
		TransactionID: m.newTxID(),
		Timestamp:     m.now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", command, err)
		}
		env.Payload = raw
	}
	logger := m.logger.With("command", command, "transaction_id", env.TransactionID, "session_id", sessionID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	if err := conn.Send(env); err != nil {
		logger.Warn("发送 ACS 命令失败", "error", err)
		return fmt.Errorf("send %s: %w", command, err)
	}
	metrics.AcsMessagesTotal.WithLabelValues("outbound", command).Inc()
	logger.Info("ACS 命令已发送")
	return nil
}
