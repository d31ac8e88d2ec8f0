package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/config"
	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

const mqttPublishTimeout = 5 * time.Second

// mqttPublisher is the part of mqtt.Client used by the handler
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes the events to an MQTT broker. The topic is rendered
// from a template with {{application_id}}, {{dev_eui}} and {{event}}.
type MQTTHandler struct {
	client        mqttPublisher
	qos           byte
	topicTemplate string
	disconnect    func()
}

// NewMQTTHandler connects to the broker
func NewMQTTHandler(cfg config.MQTTConfig) (*MQTTHandler, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}

	h := newMQTTHandler(client, cfg.QoS, cfg.TopicTemplate)
	h.disconnect = func() { client.Disconnect(250) }
	return h, nil
}

func newMQTTHandler(client mqttPublisher, qos byte, topicTemplate string) *MQTTHandler {
	return &MQTTHandler{client: client, qos: qos, topicTemplate: topicTemplate}
}

// Close disconnects from the broker
func (h *MQTTHandler) Close() {
	if h.disconnect != nil {
		h.disconnect()
	}
}

func (h *MQTTHandler) topic(applicationID uuid.UUID, devEUI lorawan.EUI64, event string) string {
	return strings.NewReplacer(
		"{{application_id}}", applicationID.String(),
		"{{dev_eui}}", devEUI.String(),
		"{{event}}", event,
	).Replace(h.topicTemplate)
}

func (h *MQTTHandler) publish(applicationID uuid.UUID, devEUI lorawan.EUI64, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	topic := h.topic(applicationID, devEUI, event)
	token := h.client.Publish(topic, h.qos, false, data)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().Str("topic", topic).Msg("event forwarded to MQTT")
	return nil
}

func (h *MQTTHandler) HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventUp, e)
}

func (h *MQTTHandler) HandleJoinEvent(ctx context.Context, e models.JoinEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventJoin, e)
}

func (h *MQTTHandler) HandleAckEvent(ctx context.Context, e models.AckEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventAck, e)
}

func (h *MQTTHandler) HandleStatusEvent(ctx context.Context, e models.StatusEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventStatus, e)
}

func (h *MQTTHandler) HandleLogEvent(ctx context.Context, e models.LogEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventLog, e)
}
