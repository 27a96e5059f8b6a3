package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTClient is the subset of the paho client the monitor touches, split
// out so tests can substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// MQTTMonitor derives reachability from the broker connection the app
// already holds for chat. paho's OnConnect / ConnectionLost handlers give a
// push-style signal with no polling on our side; AutoReconnect keeps the
// client probing so a recovered network surfaces as an OnConnect.
type MQTTMonitor struct {
	hub      *Hub
	broker   string
	port     int
	username string
	password string
	clientID string
	logger   *slog.Logger

	client        MQTTClient
	clientFactory func(*mqtt.ClientOptions) MQTTClient
}

// NewMQTTMonitor creates a monitor feeding hub from the given broker.
func NewMQTTMonitor(hub *Hub, broker string, port int, username, password string, logger *slog.Logger) *MQTTMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTMonitor{
		hub:      hub,
		broker:   broker,
		port:     port,
		username: username,
		password: password,
		clientID: "fieldsync-" + uuid.New().String()[:8],
		logger:   logger.With("component", "connectivity-mqtt"),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return mqtt.NewClient(opts)
		},
	}
}

// NewMQTTMonitorWithClient creates a monitor with a custom client factory (for testing).
func NewMQTTMonitorWithClient(hub *Hub, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTMonitor {
	m := NewMQTTMonitor(hub, "", 0, "", "", logger)
	m.clientFactory = factory
	return m
}

// Start connects to the broker. A failed initial connect is not fatal: the
// device may simply be offline, which is exactly the state we report.
func (m *MQTTMonitor) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", m.broker, m.port))
	opts.SetClientID(m.clientID)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectRetry(true)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.logger.Warn("broker connection lost", "error", err)
		m.hub.SetOnline(false)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		m.logger.Info("broker connected")
		m.hub.SetOnline(true)
	})

	m.client = m.clientFactory(opts)

	token := m.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		m.logger.Warn("initial broker connect timed out; starting offline")
		return nil
	}
	if err := token.Error(); err != nil {
		m.logger.Warn("initial broker connect failed; starting offline", "error", err)
		return nil
	}
	return nil
}

// Stop disconnects from the broker and marks the hub offline.
func (m *MQTTMonitor) Stop() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.hub.SetOnline(false)
	return nil
}
