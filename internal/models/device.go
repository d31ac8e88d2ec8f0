package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// DeviceClass is the LoRaWAN device class
type DeviceClass string

const (
	DeviceClassA DeviceClass = "A"
	DeviceClassB DeviceClass = "B"
	DeviceClassC DeviceClass = "C"
)

// Device represents a LoRaWAN device
type Device struct {
	DevEUI          lorawan.EUI64 `json:"devEUI" db:"dev_eui"`
	JoinEUI         lorawan.EUI64 `json:"joinEUI" db:"join_eui"`
	ApplicationID   uuid.UUID     `json:"applicationId" db:"application_id"`
	DeviceProfileID uuid.UUID     `json:"deviceProfileId" db:"device_profile_id"`

	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`

	IsDisabled    bool        `json:"isDisabled" db:"is_disabled"`
	SkipFCntCheck bool        `json:"skipFCntCheck" db:"skip_fcnt_check"`
	EnabledClass  DeviceClass `json:"enabledClass" db:"enabled_class"`

	Variables Variables `json:"variables,omitempty" db:"variables"`
	Tags      Variables `json:"tags,omitempty" db:"tags"`

	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	BatteryLevel *float64   `json:"batteryLevel,omitempty" db:"battery_level"`

	// SchedulerRunAfter holds back class-C downlinks until the class-A
	// windows of the last uplink or the previous class-C downlink passed.
	SchedulerRunAfter *time.Time `json:"schedulerRunAfter,omitempty" db:"scheduler_run_after"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// DeviceKeys holds the OTAA root keys of a device
type DeviceKeys struct {
	DevEUI    lorawan.EUI64     `json:"devEUI" db:"dev_eui"`
	NwkKey    lorawan.AES128Key `json:"nwkKey" db:"nwk_key"`
	AppKey    lorawan.AES128Key `json:"appKey" db:"app_key"`
	JoinNonce uint32            `json:"joinNonce" db:"join_nonce"`
	UpdatedAt time.Time         `json:"updatedAt" db:"updated_at"`
}

// DeviceProfile represents a device profile
type DeviceProfile struct {
	BaseModel
	TenantID uuid.UUID `json:"tenantId" db:"tenant_id"`

	Name string `json:"name" db:"name"`

	// LoRaWAN
	Region            string             `json:"region" db:"region"`
	MACVersion        lorawan.MACVersion `json:"macVersion" db:"mac_version"`
	RegParamsRevision string             `json:"regParamsRevision" db:"reg_params_revision"`
	SupportsOTAA      bool               `json:"supportsOtaa" db:"supports_otaa"`

	// Class B / C
	SupportsClassB bool `json:"supportsClassB" db:"supports_class_b"`
	SupportsClassC bool `json:"supportsClassC" db:"supports_class_c"`
	ClassCTimeout  int  `json:"classCTimeout" db:"class_c_timeout"`

	// ADR algorithm id, empty selects the default algorithm
	ADRAlgorithmID string `json:"adrAlgorithmId" db:"adr_algorithm_id"`

	// DeviceStatusReqInterval is the number of DevStatusReq per day, 0 disables
	DeviceStatusReqInterval int `json:"deviceStatusReqInterval" db:"device_status_req_interval"`

	// Uplink interval in seconds
	UplinkInterval int `json:"uplinkInterval" db:"uplink_interval"`
}

// DeviceGatewayRxInfo is the set of gateways that received the last uplink
// of a device. Class-C downlinks are scheduled through it.
type DeviceGatewayRxInfo struct {
	DevEUI lorawan.EUI64             `json:"devEUI"`
	DR     int                       `json:"dr"`
	Items  []DeviceGatewayRxInfoItem `json:"items"`
}

// DeviceGatewayRxInfoItem holds the reception of one gateway
type DeviceGatewayRxInfoItem struct {
	GatewayID lorawan.EUI64 `json:"gatewayID"`
	RSSI      int           `json:"rssi"`
	SNR       float64       `json:"snr"`
	Context   []byte        `json:"context"`
}
