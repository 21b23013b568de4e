package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"camrelay/internal/model"
)

const mqttWait = 10 * time.Second

type mqttPayload struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Priority int       `json:"priority"`
	Level    string    `json:"level"`
	SentAt   time.Time `json:"sent_at"`
}

// MQTT publishes alerts as JSON to a broker topic. The connection is made on
// first use and kept open; paho reconnects on its own afterwards.
type MQTT struct {
	topic string
	Title string
	qos   byte

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTT(broker, clientID, topic string, qos byte) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(mqttWait).
		SetAutoReconnect(true).
		SetCleanSession(true)

	return &MQTT{
		topic:  topic,
		Title:  DefaultTitle,
		qos:    qos,
		client: mqtt.NewClient(opts),
	}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Send(ctx context.Context, ev model.Event) error {
	if err := m.connect(); err != nil {
		return err
	}

	payload, err := encodeMQTT(m.Title, ev, time.Now())
	if err != nil {
		return err
	}

	tok := m.client.Publish(m.topic, m.qos, false, payload)
	wait := mqttWait
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !tok.WaitTimeout(wait) {
		return errors.New("mqtt publish timed out")
	}
	return tok.Error()
}

func (m *MQTT) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

func (m *MQTT) connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client.IsConnected() {
		return nil
	}
	tok := m.client.Connect()
	if !tok.WaitTimeout(mqttWait) {
		return errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func encodeMQTT(title string, ev model.Event, now time.Time) ([]byte, error) {
	return json.Marshal(mqttPayload{
		Title:    title,
		Message:  ev.Message,
		Priority: int(ev.Priority),
		Level:    ev.Priority.String(),
		SentAt:   now.UTC(),
	})
}
