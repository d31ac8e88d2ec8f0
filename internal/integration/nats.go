package integration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Publisher publishes a message on a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSHandler publishes the events on
// application.<application_id>.device.<dev_eui>.<event>
type NATSHandler struct {
	nc Publisher
}

// NewNATSHandler creates the NATS event publisher
func NewNATSHandler(nc Publisher) *NATSHandler {
	return &NATSHandler{nc: nc}
}

func (h *NATSHandler) publish(applicationID uuid.UUID, devEUI lorawan.EUI64, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	subject := Subject(applicationID, devEUI, event)
	if err := h.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().Str("subject", subject).Msg("event published")
	return nil
}

func (h *NATSHandler) HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventUp, e)
}

func (h *NATSHandler) HandleJoinEvent(ctx context.Context, e models.JoinEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventJoin, e)
}

func (h *NATSHandler) HandleAckEvent(ctx context.Context, e models.AckEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventAck, e)
}

func (h *NATSHandler) HandleStatusEvent(ctx context.Context, e models.StatusEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventStatus, e)
}

func (h *NATSHandler) HandleLogEvent(ctx context.Context, e models.LogEvent) error {
	return h.publish(e.DeviceInfo.ApplicationID, e.DeviceInfo.DevEUI, EventLog, e)
}
