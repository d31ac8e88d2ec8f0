package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	TenantID      *uuid.UUID     `json:"tenantId,omitempty" db:"tenant_id"`
	ApplicationID *uuid.UUID     `json:"applicationId,omitempty" db:"application_id"`
	DevEUI        *lorawan.EUI64 `json:"devEUI,omitempty" db:"dev_eui"`
	GatewayID     *lorawan.EUI64 `json:"gatewayId,omitempty" db:"gateway_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	EventTypeUplink   EventType = "UPLINK"
	EventTypeDownlink EventType = "DOWNLINK"
	EventTypeJoin     EventType = "JOIN"
	EventTypeAck      EventType = "ACK"
	EventTypeStatus   EventType = "STATUS"
	EventTypeLog      EventType = "LOG"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// Log event codes
const (
	LogCodeUplinkMIC                = "UPLINK_MIC"
	LogCodeUplinkFCntRetransmission = "UPLINK_F_CNT_RETRANSMISSION"
	LogCodeUplinkFCntReset          = "UPLINK_F_CNT_RESET"
	LogCodeDownlinkPayloadSize      = "DOWNLINK_PAYLOAD_SIZE"
	LogCodeFCntDown                 = "F_CNT_DOWN"
	LogCodeDownlinkKEK              = "DOWNLINK_KEK"
	LogCodeDownlinkGateway          = "DOWNLINK_GATEWAY"
	LogCodeUplinkCodec              = "UPLINK_CODEC"
	LogCodeMACCommand               = "MAC_COMMAND"
	LogCodeOTAA                     = "OTAA"
)

// DeviceInfo identifies the device an integration event belongs to
type DeviceInfo struct {
	TenantID          uuid.UUID         `json:"tenantId"`
	TenantName        string            `json:"tenantName"`
	ApplicationID     uuid.UUID         `json:"applicationId"`
	ApplicationName   string            `json:"applicationName"`
	DeviceProfileID   uuid.UUID         `json:"deviceProfileId"`
	DeviceProfileName string            `json:"deviceProfileName"`
	DeviceName        string            `json:"deviceName"`
	DevEUI            lorawan.EUI64     `json:"devEui"`
	DeviceClass       DeviceClass       `json:"deviceClassEnabled"`
	Tags              map[string]string `json:"tags,omitempty"`
}

// NewDeviceInfo builds the device info from the loaded entities
func NewDeviceInfo(t *Tenant, a *Application, dp *DeviceProfile, d *Device) DeviceInfo {
	return DeviceInfo{
		TenantID:          t.ID,
		TenantName:        t.Name,
		ApplicationID:     a.ID,
		ApplicationName:   a.Name,
		DeviceProfileID:   dp.ID,
		DeviceProfileName: dp.Name,
		DeviceName:        d.Name,
		DevEUI:            d.DevEUI,
		DeviceClass:       d.EnabledClass,
		Tags:              d.Tags.StringMap(),
	}
}

// UplinkEvent is emitted for every accepted data uplink
type UplinkEvent struct {
	DeduplicationID uuid.UUID       `json:"deduplicationId"`
	Time            time.Time       `json:"time"`
	DeviceInfo      DeviceInfo      `json:"deviceInfo"`
	DevAddr         lorawan.DevAddr `json:"devAddr"`
	ADR             bool            `json:"adr"`
	DR              int             `json:"dr"`
	FCnt            uint32          `json:"fCnt"`
	FPort           uint8           `json:"fPort"`
	Confirmed       bool            `json:"confirmed"`
	Data            []byte          `json:"data,omitempty"`
	// Set instead of a plain Data when the AppSKey is wrapped
	KeyEnvelope *KeyEnvelope `json:"keyEnvelope,omitempty"`
	RxInfo      []RxInfo     `json:"rxInfo"`
	TxInfo      TxInfo       `json:"txInfo"`
}

// JoinEvent is emitted after a successful OTAA join
type JoinEvent struct {
	DeduplicationID uuid.UUID       `json:"deduplicationId"`
	Time            time.Time       `json:"time"`
	DeviceInfo      DeviceInfo      `json:"deviceInfo"`
	DevAddr         lorawan.DevAddr `json:"devAddr"`
}

// AckEvent is emitted when a confirmed downlink is acknowledged or times out
type AckEvent struct {
	QueueItemID  uuid.UUID  `json:"queueItemId"`
	Time         time.Time  `json:"time"`
	DeviceInfo   DeviceInfo `json:"deviceInfo"`
	Acknowledged bool       `json:"acknowledged"`
	FCntDown     uint32     `json:"fCntDown"`
}

// StatusEvent is emitted on a DevStatusAns
type StatusEvent struct {
	Time                    time.Time  `json:"time"`
	DeviceInfo              DeviceInfo `json:"deviceInfo"`
	Margin                  int        `json:"margin"`
	ExternalPowerSource     bool       `json:"externalPowerSource"`
	BatteryLevelUnavailable bool       `json:"batteryLevelUnavailable"`
	BatteryLevel            float64    `json:"batteryLevel"`
}

// LogEvent reports a device level error or warning
type LogEvent struct {
	Time        time.Time         `json:"time"`
	DeviceInfo  DeviceInfo        `json:"deviceInfo"`
	Level       EventLevel        `json:"level"`
	Code        string            `json:"code"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
}
