package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// DatR is the data rate of a Semtech packet: "SF7BW125" for LoRa or the
// bit rate for FSK
type DatR struct {
	LoRa string
	FSK  uint32
}

// NewLoRaDatR returns the LoRa data rate identifier
func NewLoRaDatR(sf, bandwidth int) DatR {
	return DatR{LoRa: fmt.Sprintf("SF%dBW%d", sf, bandwidth)}
}

// SFBW returns the spreading factor and bandwidth of a LoRa data rate
func (d DatR) SFBW() (sf, bandwidth int, err error) {
	if d.LoRa == "" {
		return 0, 0, fmt.Errorf("not a LoRa data-rate")
	}
	if _, err := fmt.Sscanf(d.LoRa, "SF%dBW%d", &sf, &bandwidth); err != nil {
		return 0, 0, fmt.Errorf("parse datr %q: %w", d.LoRa, err)
	}
	return sf, bandwidth, nil
}

// MarshalJSON implements json.Marshaler
func (d DatR) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return []byte(strconv.FormatUint(uint64(d.FSK), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DatR) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(data, []byte(`"`)) {
		return json.Unmarshal(data, &d.LoRa)
	}
	return json.Unmarshal(data, &d.FSK)
}

// RXPK is a received packet as reported in a Semtech PUSH_DATA
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	DatR DatR    `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data []byte  `json:"data"`
}

// TXPK is a packet to transmit as sent in a Semtech PULL_RESP
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	DatR DatR    `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data []byte  `json:"data"`
}

// UplinkContext is the opaque context attached to each reception. The
// downlink timestamp is computed from it.
type UplinkContext struct {
	GatewayID string `json:"gateway_id"`
	Tmst      uint32 `json:"tmst"`
}

// GatewayUplinkMessage is published by the gateway bridge on
// gateway.<id>.rx
type GatewayUplinkMessage struct {
	GatewayID        lorawan.EUI64 `json:"gatewayID"`
	RXPK             RXPK          `json:"rxpk"`
	Context          []byte        `json:"context"`
	Timestamp        int64         `json:"timestamp"`
	RegionConfigID   string        `json:"regionConfigID"`
	RegionCommonName string        `json:"regionCommonName"`
}

// GatewayDownlinkItem is one transmit opportunity. Delay is relative to
// the uplink context and formatted as a Go duration.
type GatewayDownlinkItem struct {
	TXPK    TXPK   `json:"txpk"`
	Context []byte `json:"context,omitempty"`
	Delay   string `json:"delay,omitempty"`
}

// GatewayDownlinkMessage is published by the network server on
// gateway.<id>.tx
type GatewayDownlinkMessage struct {
	GatewayID  lorawan.EUI64         `json:"gatewayID"`
	DownlinkID uuid.UUID             `json:"downlinkID"`
	Items      []GatewayDownlinkItem `json:"items"`
}

// GatewayTxAckMessage is published by the gateway bridge on
// gateway.<id>.txack
type GatewayTxAckMessage struct {
	GatewayID  lorawan.EUI64 `json:"gatewayID"`
	DownlinkID uuid.UUID     `json:"downlinkID"`
	Token      uint16        `json:"token"`
	Error      string        `json:"error,omitempty"`
}

// GatewayStatsMessage is published by the gateway bridge on
// gateway.<id>.stat
type GatewayStatsMessage struct {
	GatewayID lorawan.EUI64          `json:"gatewayID"`
	Stat      map[string]interface{} `json:"stat"`
	Timestamp int64                  `json:"timestamp"`
}

// DeviceQueueRequest enqueues a downlink through ns.device.<eui>.tx
type DeviceQueueRequest struct {
	FPort     uint8  `json:"fPort"`
	Data      []byte `json:"data"`
	Confirmed bool   `json:"confirmed"`
}
