package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes notifications to a broker topic so home automation (or a
// phone app subscribed to the broker) can pick them up.
type MQTT struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

// NewMQTT returns a sink publishing on topic through client. The client must
// already be connected or set to auto reconnect.
func NewMQTT(client mqtt.Client, topic string) *MQTT {
	return &MQTT{
		client:  client,
		topic:   topic,
		qos:     1,
		timeout: 10 * time.Second,
	}
}

// DialMQTT connects to broker and returns the connected client.
func DialMQTT(broker, clientID, username, password string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker (%s): %w", broker, token.Error())
	}
	return c, nil
}

// Name implements Sink.
func (m *MQTT) Name() string {
	return "mqtt"
}

type mqttMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Send implements Sink.
func (m *MQTT) Send(ctx context.Context, msg string) error {
	payload, err := json.Marshal(mqttMessage{Timestamp: time.Now(), Message: msg})
	if err != nil {
		return err
	}

	token := m.client.Publish(m.topic, m.qos, false, payload)
	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out publishing to %s", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
