package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"traffic-monitor-service/internal/config"
)

const publishTimeout = 5 * time.Second

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes events to <topic>/<event type>.
type MQTTNotifier struct {
	client mqttPublisher
	conn   mqtt.Client
	topic  string
	log    zerolog.Logger
}

func NewMQTTNotifier(cfg config.MQTTConfig, log zerolog.Logger) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is not configured")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	log.Info().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Msg("mqtt connected")
	return &MQTTNotifier{client: client, conn: client, topic: cfg.Topic, log: log}, nil
}

func (n *MQTTNotifier) Notify(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := n.topic + "/" + event.Type
	token := n.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}

	n.log.Debug().Str("topic", topic).Msg("event published")
	return nil
}

func (n *MQTTNotifier) Close() {
	if n.conn != nil {
		n.conn.Disconnect(250)
	}
}
