package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"camrelay/internal/config"
	"camrelay/internal/logger"
)

// Notifier 设备上下线通知
type Notifier interface {
	DeviceOnline(deviceID string)
	DeviceOffline(deviceID string)
}

type nopNotifier struct{}

func (nopNotifier) DeviceOnline(string)  {}
func (nopNotifier) DeviceOffline(string) {}

// presence 上下线事件负载
type presence struct {
	DeviceID  string `json:"device_id"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

// MQTTNotifier 把上下线事件以 retained 消息发布到 <prefix>/<device_id>/presence
type MQTTNotifier struct {
	client mqtt.Client
	prefix string
}

// NewMQTTNotifier 连接 broker
func NewMQTTNotifier(cfg config.MQTTConfig) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &MQTTNotifier{client: client, prefix: cfg.TopicPrefix}, nil
}

// DeviceOnline 发布上线
func (n *MQTTNotifier) DeviceOnline(deviceID string) {
	n.publish(deviceID, true)
}

// DeviceOffline 发布下线
func (n *MQTTNotifier) DeviceOffline(deviceID string) {
	n.publish(deviceID, false)
}

// Close 断开 broker
func (n *MQTTNotifier) Close() {
	n.client.Disconnect(250)
}

// publish 不等待确认，避免阻塞设备连接
func (n *MQTTNotifier) publish(deviceID string, online bool) {
	topic, payload, err := presenceMessage(n.prefix, deviceID, online, time.Now())
	if err != nil {
		logger.Error("presence marshal failed", "device_id", deviceID, "error", err)
		return
	}

	token := n.client.Publish(topic, 1, true, payload)
	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			logger.Warn("presence publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			logger.Warn("presence publish failed", "topic", topic, "error", err)
		}
	}()
}

func presenceMessage(prefix, deviceID string, online bool, now time.Time) (string, []byte, error) {
	payload, err := json.Marshal(presence{
		DeviceID:  deviceID,
		Online:    online,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s/%s/presence", prefix, deviceID), payload, nil
}
