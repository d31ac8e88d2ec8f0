package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// Rx metadata keys set by the gateway bridge
const (
	MetadataRegionConfigID   = "region_config_id"
	MetadataRegionCommonName = "region_common_name"
)

// RxInfo is the reception of an uplink by one gateway
type RxInfo struct {
	GatewayID lorawan.EUI64     `json:"gatewayID"`
	Time      *time.Time        `json:"time,omitempty"`
	RSSI      int               `json:"rssi"`
	SNR       float64           `json:"snr"`
	Channel   int               `json:"channel"`
	Location  *Location         `json:"location,omitempty"`
	Context   []byte            `json:"context"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TxInfo is the transmission of an uplink by the device
type TxInfo struct {
	Frequency uint32 `json:"frequency"`
	DR        int    `json:"dr"`
}

// UplinkFrameSet is one logical uplink together with every reception of it
type UplinkFrameSet struct {
	ID         uuid.UUID `json:"id"`
	PHYPayload []byte    `json:"phyPayload"`
	TxInfo     TxInfo    `json:"txInfo"`
	RxInfo     []RxInfo  `json:"rxInfo"`
	ReceivedAt time.Time `json:"receivedAt"`

	RegionConfigID   string `json:"regionConfigID"`
	RegionCommonName string `json:"regionCommonName"`

	// Resolved from the gateway table
	GatewayPrivateMap map[lorawan.EUI64]bool      `json:"-"`
	GatewayTenantMap  map[lorawan.EUI64]uuid.UUID `json:"-"`
}

// MaxSNR returns the best SNR over all receptions
func (f *UplinkFrameSet) MaxSNR() float64 {
	var max float64
	for i, rx := range f.RxInfo {
		if i == 0 || rx.SNR > max {
			max = rx.SNR
		}
	}
	return max
}

// MaxRSSI returns the best RSSI over all receptions
func (f *UplinkFrameSet) MaxRSSI() int {
	var max int
	for i, rx := range f.RxInfo {
		if i == 0 || rx.RSSI > max {
			max = rx.RSSI
		}
	}
	return max
}

// LoRaModulationInfo holds the LoRa modulation parameters of a downlink
type LoRaModulationInfo struct {
	SpreadingFactor       int    `json:"spreadingFactor"`
	Bandwidth             int    `json:"bandwidth"`
	CodeRate              string `json:"codeRate"`
	PolarizationInversion bool   `json:"polarizationInversion"`
}

// DownlinkTiming is either a delay relative to the uplink context or
// immediately
type DownlinkTiming struct {
	Immediately bool          `json:"immediately,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
}

// DownlinkTxInfo holds the RF parameters of one downlink opportunity
type DownlinkTxInfo struct {
	Frequency  uint32             `json:"frequency"`
	Power      int                `json:"power"`
	Modulation LoRaModulationInfo `json:"modulation"`
	Timing     DownlinkTiming     `json:"timing"`
	Context    []byte             `json:"context,omitempty"`
}

// DownlinkFrameItem is one transmit opportunity (RX1 or RX2)
type DownlinkFrameItem struct {
	PHYPayload []byte         `json:"phyPayload"`
	TxInfo     DownlinkTxInfo `json:"txInfo"`
}

// DownlinkFrame is sent to a gateway. The gateway tries the items in order
// until one is accepted.
type DownlinkFrame struct {
	DownlinkID  uuid.UUID           `json:"downlinkID"`
	GatewayID   lorawan.EUI64       `json:"gatewayID"`
	DevEUI      lorawan.EUI64       `json:"devEUI"`
	QueueItemID uuid.UUID           `json:"queueItemID,omitempty"`
	Items       []DownlinkFrameItem `json:"items"`
}

// DeviceQueueItem is an application payload waiting to be sent
type DeviceQueueItem struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	DevEUI       lorawan.EUI64 `json:"devEUI" db:"dev_eui"`
	FPort        uint8         `json:"fPort" db:"f_port"`
	Data         []byte        `json:"data" db:"data"`
	Confirmed    bool          `json:"confirmed" db:"confirmed"`
	IsPending    bool          `json:"isPending" db:"is_pending"`
	IsEncrypted  bool          `json:"isEncrypted" db:"is_encrypted"`
	FCntDown     *uint32       `json:"fCntDown,omitempty" db:"f_cnt_down"`
	TimeoutAfter *time.Time    `json:"timeoutAfter,omitempty" db:"timeout_after"`
	CreatedAt    time.Time     `json:"createdAt" db:"created_at"`
}

// UplinkFrameLog is the raw uplink as received from the gateways. DevEUI is
// nil for frames that could not be linked to a device.
type UplinkFrameLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	DevEUI     *lorawan.EUI64  `json:"devEUI,omitempty" db:"dev_eui"`
	DevAddr    lorawan.DevAddr `json:"devAddr" db:"dev_addr"`
	MType      lorawan.MType   `json:"mType" db:"m_type"`
	PHYPayload []byte          `json:"phyPayload" db:"phy_payload"`

	TxInfo         TxInfo   `json:"txInfo" db:"tx_info"`
	RxInfo         []RxInfo `json:"rxInfo" db:"rx_info"`
	RegionConfigID string   `json:"regionConfigID" db:"region_config_id"`

	// MICValid is false for frames that matched no device-session
	MICValid   bool      `json:"micValid" db:"mic_valid"`
	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`
}
