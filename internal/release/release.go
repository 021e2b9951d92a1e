package release

import (
	"amr-logistics/internal/types"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// ErrEmptyLotID 表示下发消息中没有 lotId
var ErrEmptyLotID = errors.New("release event has empty lotId")

// Event 是下发通道上的消息，其余字段忽略
type Event struct {
	LotID string `json:"lotId"`
}

// StatusMessage 是状态通道上的消息
type StatusMessage struct {
	LotID     string          `json:"lotId"`
	Status    types.LotStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

// Submitter 接收解析后的下发事件
type Submitter interface {
	Submit(ctx context.Context, lotID string)
}

// MessageHandler 是收到消息时的回调
type MessageHandler func(topic string, payload []byte) error

// DecodeRelease 解析下发消息
func DecodeRelease(payload []byte) (string, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return "", err
	}
	id := strings.TrimSpace(e.LotID)
	if id == "" {
		return "", ErrEmptyLotID
	}
	return id, nil
}

// NewReleaseHandler 返回把下发消息提交给调度器的回调
// 无法解析的消息记录警告后丢弃，不做确认，也不重投
func NewReleaseHandler(ctx context.Context, sub Submitter, logger *slog.Logger) MessageHandler {
	logger = logger.With("component", "release")
	return func(topic string, payload []byte) error {
		lotID, err := DecodeRelease(payload)
		if err != nil {
			logger.Warn("无法解析的下发消息，丢弃", "topic", topic, "error", err)
			return nil
		}
		logger.Info("收到下发事件", "topic", topic, "lot_id", lotID)
		sub.Submit(ctx, lotID)
		return nil
	}
}

// Publisher 发布原始消息
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// StatusPublisher 在 Lot 状态变化时向状态通道发布消息
type StatusPublisher struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

// NewStatusPublisher 创建状态发布器
func NewStatusPublisher(pub Publisher, topic string) *StatusPublisher {
	return &StatusPublisher{pub: pub, topic: topic, now: func() time.Time { return time.Now().UTC() }}
}

// PublishStatus 发布一条状态消息
func (s *StatusPublisher) PublishStatus(lotID string, status types.LotStatus) error {
	payload, err := json.Marshal(StatusMessage{LotID: lotID, Status: status, Timestamp: s.now()})
	if err != nil {
		return err
	}
	return s.pub.Publish(s.topic, payload)
}
