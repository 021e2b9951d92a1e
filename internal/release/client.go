package release

import (
	"amr-logistics/internal/config"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesce     = 1000 // 毫秒
)

// ErrNotConnected 表示 MQTT 连接不可用
var ErrNotConnected = errors.New("mqtt client not connected")

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client 封装 paho MQTT 客户端，断线重连后自动恢复订阅
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger *slog.Logger

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

// Connect 连接 MQTT Broker
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		logger:        logger.With("component", "mqtt"),
		subscriptions: make(map[string]subscription),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.logger.Info("MQTT 已连接", "broker", cfg.Broker)
		c.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn("MQTT 连接断开", "error", err)
	})

	timeout := cfg.ConnectTimeout()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect %s: timeout after %v", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// wrapHandler 把 MessageHandler 适配为 paho 回调，并拦截 panic
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT 消息处理 panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("MQTT 消息处理失败", "topic", msg.Topic(), "error", err)
		}
	}
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()
	return nil
}

// SubscribeReleases 订阅下发通道，把每个事件提交给 sub
func (c *Client) SubscribeReleases(ctx context.Context, sub Submitter) error {
	return c.Subscribe(c.cfg.ReleaseTopic, byte(c.cfg.QoS), NewReleaseHandler(ctx, sub, c.logger))
}

// Publish 发布消息，QoS 使用配置值
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, byte(c.cfg.QoS), false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Close 断开连接
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect(disconnectQuiesce)
	}
}
