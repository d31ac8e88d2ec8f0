package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Event names used in NATS subjects, MQTT topics and the HTTP event
// parameter
const (
	EventUp     = "up"
	EventJoin   = "join"
	EventAck    = "ack"
	EventStatus = "status"
	EventLog    = "log"
)

// Handler receives the device events of the network server
type Handler interface {
	HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error
	HandleJoinEvent(ctx context.Context, e models.JoinEvent) error
	HandleAckEvent(ctx context.Context, e models.AckEvent) error
	HandleStatusEvent(ctx context.Context, e models.StatusEvent) error
	HandleLogEvent(ctx context.Context, e models.LogEvent) error
}

// Subject returns the NATS subject of a device event
func Subject(applicationID uuid.UUID, devEUI lorawan.EUI64, event string) string {
	return fmt.Sprintf("application.%s.device.%s.%s", applicationID, devEUI, event)
}

// MultiHandler fans an event out to several handlers. Every handler is
// called, the errors are joined.
type MultiHandler struct {
	handlers []Handler
}

// NewMultiHandler creates a handler calling each of the given handlers
func NewMultiHandler(handlers ...Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (m *MultiHandler) each(f func(h Handler) error) error {
	var errs []error
	for _, h := range m.handlers {
		if err := f(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiHandler) HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error {
	return m.each(func(h Handler) error { return h.HandleUplinkEvent(ctx, e) })
}

func (m *MultiHandler) HandleJoinEvent(ctx context.Context, e models.JoinEvent) error {
	return m.each(func(h Handler) error { return h.HandleJoinEvent(ctx, e) })
}

func (m *MultiHandler) HandleAckEvent(ctx context.Context, e models.AckEvent) error {
	return m.each(func(h Handler) error { return h.HandleAckEvent(ctx, e) })
}

func (m *MultiHandler) HandleStatusEvent(ctx context.Context, e models.StatusEvent) error {
	return m.each(func(h Handler) error { return h.HandleStatusEvent(ctx, e) })
}

func (m *MultiHandler) HandleLogEvent(ctx context.Context, e models.LogEvent) error {
	return m.each(func(h Handler) error { return h.HandleLogEvent(ctx, e) })
}
