package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nsready/internal/config"
)

const (
	mqttDefaultProtocol = "MQTT"
	mqttConnectTimeout  = 10 * time.Second
	mqttQuiesceMillis   = 250
)

// MQTTBridge subscribes to a topic filter and feeds every payload, one
// NormalizedEvent each, through the ingest service.
type MQTTBridge struct {
	svc    *Service
	cfg    config.MQTTConfig
	logger *slog.Logger
	client mqtt.Client
}

func NewMQTTBridge(svc *Service, cfg config.MQTTConfig, logger *slog.Logger) *MQTTBridge {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetConnectTimeout(mqttConnectTimeout)

	b := &MQTTBridge{svc: svc, cfg: cfg, logger: logger}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// A persistent session keeps the subscription, but resubscribing
		// covers brokers that dropped it.
		if token := c.Subscribe(cfg.Topic, cfg.QoS, b.onMessage); token.Wait() && token.Error() != nil {
			b.logger.Error("mqtt subscribe failed", "topic", cfg.Topic, "err", token.Error())
			return
		}
		b.logger.Info("mqtt ingest subscribed", "broker", cfg.Broker, "topic", cfg.Topic, "qos", cfg.QoS)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
	})
	b.client = mqtt.NewClient(opts)
	return b
}

// Start connects and stays subscribed until ctx is done.
func (b *MQTTBridge) Start(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", b.cfg.Broker, err)
	}
	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return nil
}

func (b *MQTTBridge) Stop() {
	if b.client.IsConnected() {
		b.client.Disconnect(mqttQuiesceMillis)
		b.logger.Info("mqtt ingest disconnected")
	}
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.HandlePayload(context.Background(), msg.Topic(), msg.Payload())
}

// HandlePayload ingests one MQTT payload. Rejected payloads are logged and
// skipped; the broker gets no negative acknowledgement.
func (b *MQTTBridge) HandlePayload(ctx context.Context, topic string, payload []byte) (string, error) {
	ev, err := DecodeEvent(payload)
	if err != nil {
		b.logger.Warn("mqtt payload rejected", "topic", topic, "err", err)
		return "", err
	}
	if strings.TrimSpace(ev.Protocol) == "" {
		ev.Protocol = mqttDefaultProtocol
	}
	traceID, err := b.svc.Ingest(ctx, ev)
	if err != nil {
		b.logger.Warn("mqtt event not queued", "topic", topic, "device_id", ev.DeviceID, "err", err)
		return "", err
	}
	return traceID, nil
}
