package acs

import (
	"amr-logistics/internal/event"
	"amr-logistics/internal/metrics"
	"amr-logistics/internal/util"
	"encoding/json"
	"log/slog"
	"time"
)

const reportAckMessage = "report received"

// Manager 管理唯一的 ACS 会话：处理入站帧并提供出站命令
type Manager struct {
	session  *Session
	eventBus *event.Bus
	logger   *slog.Logger
	newTxID  func() string
	now      func() time.Time
}

// NewManager 创建 ACS 会话管理器，bus 可以为 nil
func NewManager(bus *event.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		session:  NewSession(func() string { return util.NewID("session") }),
		eventBus: bus,
		logger:   logger.With("component", "acs"),
		newTxID:  util.NewTraceID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Session 返回会话状态对象
func (m *Manager) Session() *Session {
	return m.session
}

// Registered 判断是否有已注册的会话
func (m *Manager) Registered() bool {
	return m.session.State() == StateRegistered
}

// Attach 登记一条新连接；已有活动会话时关闭该连接并返回错误
func (m *Manager) Attach(c Conn) error {
	if err := m.session.Connect(c); err != nil {
		m.logger.Warn("已有注册会话，拒绝新连接", "remote", c.RemoteAddr())
		c.Close()
		return err
	}
	m.logger.Info("ACS 连接建立，等待注册", "remote", c.RemoteAddr())
	return nil
}

// Detach 在连接断开时调用
func (m *Manager) Detach(c Conn) {
	if m.session.Disconnect(c) {
		metrics.AcsSessionRegistered.Set(0)
		m.logger.Info("ACS 会话断开", "remote", c.RemoteAddr())
		m.eventBus.Publish(event.Event{Type: event.AcsDisconnected})
		return
	}
	m.logger.Info("未注册的 ACS 连接断开", "remote", c.RemoteAddr())
}

// HandleFrame 处理一帧入站消息
func (m *Manager) HandleFrame(c Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Command == "" {
		m.logger.Warn("无法解析的 ACS 消息，丢弃", "remote", c.RemoteAddr(), "error", err)
		metrics.AcsMessagesTotal.WithLabelValues("inbound", "malformed").Inc()
		return
	}
	metrics.AcsMessagesTotal.WithLabelValues("inbound", env.Command).Inc()
	logger := m.logger.With("command", env.Command, "transaction_id", env.TransactionID)

	if IsAck(env.Command) {
		logger.Info("收到 ACS 应答", "result", env.Result, "message", env.Message)
		return
	}
	if env.Command == CmdRegistration {
		m.register(c, env, logger)
		return
	}
	if !m.session.IsActive(c) {
		logger.Warn("消息不属于当前会话，丢弃", "remote", c.RemoteAddr())
		return
	}
	if !IsReport(env.Command) {
		logger.Warn("未知的 ACS 命令，丢弃")
		return
	}

	m.reply(c, env, ResultSuccess, reportAckMessage, nil, logger)

	var ref ReportPayload
	if len(env.Payload) > 0 {
		// 负载不做校验，只尽量取出关联字段
		_ = json.Unmarshal(env.Payload, &ref)
	}
	m.eventBus.Publish(event.Event{Type: event.AcsReport, Command: env.Command, PlanID: ref.PlanID, LotID: ref.LotID})
}

func (m *Manager) register(c Conn, env Envelope, logger *slog.Logger) {
	sessionID, err := m.session.Register(c)
	if err != nil {
		logger.Warn("重复注册，拒绝并关闭连接", "remote", c.RemoteAddr())
		m.reply(c, env, ResultFail, err.Error(), nil, logger)
		m.session.Disconnect(c)
		c.Close()
		return
	}
	metrics.AcsSessionRegistered.Set(1)
	logger.Info("ACS 注册成功", "remote", c.RemoteAddr(), "session_id", sessionID)
	m.reply(c, env, ResultSuccess, "registered", RegistrationPayload{SessionID: sessionID}, logger)
	m.eventBus.Publish(event.Event{Type: event.AcsRegistered, Command: CmdRegistration})
}

// reply 回复入站命令，transactionId 与请求一致
func (m *Manager) reply(c Conn, req Envelope, result, message string, payload interface{}, logger *slog.Logger) {
	ack := Envelope{
		Command:       AckOf(req.Command),
		TransactionID: req.TransactionID,
		Timestamp:     m.now(),
		Result:        result,
		Message:       message,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Error("序列化应答负载失败", "error", err)
			return
		}
		ack.Payload = raw
	}
	if err := c.Send(ack); err != nil {
		logger.Warn("发送应答失败", "error", err)
		return
	}
	metrics.AcsMessagesTotal.WithLabelValues("outbound", ack.Command).Inc()
}
