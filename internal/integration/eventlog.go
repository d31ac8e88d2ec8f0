package integration

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/internal/models"
)

// EventLogStore persists event log entries
type EventLogStore interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
}

// EventLogHandler keeps a record of the device events in the store. Uplink
// payloads are not stored.
type EventLogHandler struct {
	store EventLogStore
}

// NewEventLogHandler creates the event log handler
func NewEventLogHandler(store EventLogStore) *EventLogHandler {
	return &EventLogHandler{store: store}
}

func (h *EventLogHandler) create(ctx context.Context, t time.Time, di models.DeviceInfo, typ models.EventType, level models.EventLevel, code, description string, details models.Variables) error {
	tenantID := di.TenantID
	applicationID := di.ApplicationID
	devEUI := di.DevEUI

	e := &models.EventLog{
		ID:            uuid.New(),
		CreatedAt:     t,
		TenantID:      &tenantID,
		ApplicationID: &applicationID,
		DevEUI:        &devEUI,
		Type:          typ,
		Level:         level,
		Code:          code,
		Description:   description,
		Details:       details,
	}
	if err := h.store.CreateEventLog(ctx, e); err != nil {
		return fmt.Errorf("create event log: %w", err)
	}
	return nil
}

func (h *EventLogHandler) HandleUplinkEvent(ctx context.Context, e models.UplinkEvent) error {
	details := models.Variables{
		"dev_addr":  e.DevAddr.String(),
		"f_cnt":     strconv.FormatUint(uint64(e.FCnt), 10),
		"f_port":    strconv.Itoa(int(e.FPort)),
		"dr":        strconv.Itoa(e.DR),
		"adr":       strconv.FormatBool(e.ADR),
		"confirmed": strconv.FormatBool(e.Confirmed),
		"gateways":  strconv.Itoa(len(e.RxInfo)),
	}
	return h.create(ctx, e.Time, e.DeviceInfo, models.EventTypeUplink, models.EventLevelInfo, "", "uplink received", details)
}

func (h *EventLogHandler) HandleJoinEvent(ctx context.Context, e models.JoinEvent) error {
	details := models.Variables{"dev_addr": e.DevAddr.String()}
	return h.create(ctx, e.Time, e.DeviceInfo, models.EventTypeJoin, models.EventLevelInfo, "", "device joined", details)
}

func (h *EventLogHandler) HandleAckEvent(ctx context.Context, e models.AckEvent) error {
	details := models.Variables{
		"queue_item_id": e.QueueItemID.String(),
		"acknowledged":  strconv.FormatBool(e.Acknowledged),
		"f_cnt_down":    strconv.FormatUint(uint64(e.FCntDown), 10),
	}
	return h.create(ctx, e.Time, e.DeviceInfo, models.EventTypeAck, models.EventLevelInfo, "", "downlink acknowledgement", details)
}

func (h *EventLogHandler) HandleStatusEvent(ctx context.Context, e models.StatusEvent) error {
	details := models.Variables{
		"margin":                    strconv.Itoa(e.Margin),
		"external_power_source":     strconv.FormatBool(e.ExternalPowerSource),
		"battery_level_unavailable": strconv.FormatBool(e.BatteryLevelUnavailable),
		"battery_level":             strconv.FormatFloat(e.BatteryLevel, 'f', 2, 64),
	}
	return h.create(ctx, e.Time, e.DeviceInfo, models.EventTypeStatus, models.EventLevelInfo, "", "device status", details)
}

func (h *EventLogHandler) HandleLogEvent(ctx context.Context, e models.LogEvent) error {
	details := make(models.Variables, len(e.Context))
	for k, v := range e.Context {
		details[k] = v
	}
	return h.create(ctx, e.Time, e.DeviceInfo, models.EventTypeLog, e.Level, e.Code, e.Description, details)
}
