package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("alert: mqtt not connected")

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker         string // host:port or full URL
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTT publishes payloads to a broker.
type MQTT struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func (c *MQTTConfig) defaults() {
	if c.ClientID == "" {
		c.ClientID = "safeflow"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// DialMQTT connects to the broker. Reconnects are handled by the client.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{cfg: cfg, logger: logger.With("component", "alert.mqtt"), published: make(map[string]uint64)}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	m.client = mqtt.NewClient(opts)
	m.logger.Info("connecting to mqtt broker", "broker", broker)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(cfg.ConnectTimeout):
		return nil, fmt.Errorf("alert: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("alert: mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return m, nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Publish sends payload to topic and waits for the broker to accept it.
func (m *MQTT) Publish(topic string, payload []byte) error {
	if !m.isConnected() {
		m.countError()
		return ErrNotConnected
	}

	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		m.countError()
		return fmt.Errorf("alert: publish timeout")
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("alert: publish failed: %w", err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()

	m.logger.Debug("alert published", "topic", topic, "size", len(payload))
	return nil
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Stats returns publish counts per topic and the error count.
func (m *MQTT) Stats() (map[string]uint64, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		out[k] = v
	}
	return out, m.errors
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.setConnected(false)
	return nil
}
