package models

import (
	"time"

	"github.com/lorawan-server/lorawan-network-server/pkg/lorawan"
)

// MaxUplinkADRHistory is the number of uplinks kept for ADR
const MaxUplinkADRHistory = 20

// KeyEnvelope holds a session key. When KEKLabel is set AESKey is wrapped
// with that key-encryption key and only the application server can read it.
type KeyEnvelope struct {
	KEKLabel string `json:"kekLabel,omitempty"`
	AESKey   []byte `json:"aesKey"`
}

// Wrapped returns true when the key is encrypted with a KEK
func (e KeyEnvelope) Wrapped() bool {
	return e.KEKLabel != ""
}

// Key returns the plain key. It must only be used on unwrapped envelopes.
func (e KeyEnvelope) Key() lorawan.AES128Key {
	var k lorawan.AES128Key
	copy(k[:], e.AESKey)
	return k
}

// UplinkADRHistory is one entry of the ADR history
type UplinkADRHistory struct {
	FCnt         uint32  `json:"fCnt"`
	MaxSNR       float64 `json:"maxSNR"`
	MaxRSSI      int     `json:"maxRSSI"`
	TxPowerIndex int     `json:"txPowerIndex"`
	GatewayCount int     `json:"gatewayCount"`
}

// ExtraChannel is a channel added with NewChannelReq
type ExtraChannel struct {
	Frequency uint32 `json:"frequency"`
	MinDR     int    `json:"minDR"`
	MaxDR     int    `json:"maxDR"`
}

// DeviceSession holds the network state of an activated device
type DeviceSession struct {
	DevEUI         lorawan.EUI64      `json:"devEUI"`
	JoinEUI        lorawan.EUI64      `json:"joinEUI"`
	DevAddr        lorawan.DevAddr    `json:"devAddr"`
	MACVersion     lorawan.MACVersion `json:"macVersion"`
	RegionConfigID string             `json:"regionConfigID"`

	// Network session keys. A 1.0 session holds the NwkSKey in all three.
	FNwkSIntKey lorawan.AES128Key `json:"fNwkSIntKey"`
	SNwkSIntKey lorawan.AES128Key `json:"sNwkSIntKey"`
	NwkSEncKey  lorawan.AES128Key `json:"nwkSEncKey"`
	AppSKey     KeyEnvelope       `json:"appSKey"`

	// FCntUp is the next expected uplink frame-counter
	FCntUp        uint32 `json:"fCntUp"`
	NFCntDown     uint32 `json:"nFCntDown"`
	AFCntDown     uint32 `json:"aFCntDown"`
	ConfFCnt      uint32 `json:"confFCnt"`
	SkipFCntCheck bool   `json:"skipFCntCheck"`

	EnabledUplinkChannelIndices []int                `json:"enabledUplinkChannelIndices"`
	ExtraUplinkChannels         map[int]ExtraChannel `json:"extraUplinkChannels,omitempty"`

	DR                       int `json:"dr"`
	TxPowerIndex             int `json:"txPowerIndex"`
	NbTrans                  int `json:"nbTrans"`
	MinSupportedTxPowerIndex int `json:"minSupportedTxPowerIndex"`
	MaxSupportedTxPowerIndex int `json:"maxSupportedTxPowerIndex"`

	RX1Delay     int    `json:"rx1Delay"`
	RX1DROffset  int    `json:"rx1DROffset"`
	RX2DR        int    `json:"rx2DR"`
	RX2Frequency uint32 `json:"rx2Frequency"`

	ADR                     bool                `json:"adr"`
	UplinkADRHistory        []UplinkADRHistory  `json:"uplinkADRHistory"`
	MACCommandErrorCount    map[lorawan.CID]int `json:"macCommandErrorCount,omitempty"`
	LastDeviceStatusRequest *time.Time          `json:"lastDeviceStatusRequest,omitempty"`
	ADRBackoffCount         int                 `json:"adrBackoffCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Security returns the MIC and FOpts implementation for the session's
// MAC version
func (ds *DeviceSession) Security() (lorawan.Security, error) {
	return lorawan.NewSecurity(ds.MACVersion, lorawan.SessionKeys{
		FNwkSIntKey: ds.FNwkSIntKey,
		SNwkSIntKey: ds.SNwkSIntKey,
		NwkSEncKey:  ds.NwkSEncKey,
	})
}

// AppendUplinkADRHistory adds an entry to the ADR history. An entry with
// the FCnt of the last one is ignored and the oldest entries are evicted.
func (ds *DeviceSession) AppendUplinkADRHistory(h UplinkADRHistory) {
	if n := len(ds.UplinkADRHistory); n > 0 && ds.UplinkADRHistory[n-1].FCnt == h.FCnt {
		return
	}
	ds.UplinkADRHistory = append(ds.UplinkADRHistory, h)
	if n := len(ds.UplinkADRHistory); n > MaxUplinkADRHistory {
		ds.UplinkADRHistory = ds.UplinkADRHistory[n-MaxUplinkADRHistory:]
	}
}

// IncrementMACCommandErrorCount increments the error count of the CID
func (ds *DeviceSession) IncrementMACCommandErrorCount(cid lorawan.CID) {
	if ds.MACCommandErrorCount == nil {
		ds.MACCommandErrorCount = make(map[lorawan.CID]int)
	}
	ds.MACCommandErrorCount[cid]++
}

// GetDownlinkFCnt returns the frame-counter for a downlink carrying an
// application payload
func (ds *DeviceSession) GetDownlinkFCnt(appPayload bool) uint32 {
	if appPayload && ds.MACVersion.Is11() {
		return ds.AFCntDown
	}
	return ds.NFCntDown
}

// IncrementDownlinkFCnt advances the counter returned by GetDownlinkFCnt
func (ds *DeviceSession) IncrementDownlinkFCnt(appPayload bool) {
	if appPayload && ds.MACVersion.Is11() {
		ds.AFCntDown++
		return
	}
	ds.NFCntDown++
}

// Clone returns a deep copy of the session
func (ds *DeviceSession) Clone() *DeviceSession {
	out := *ds
	out.AppSKey.AESKey = append([]byte(nil), ds.AppSKey.AESKey...)
	out.EnabledUplinkChannelIndices = append([]int(nil), ds.EnabledUplinkChannelIndices...)
	out.UplinkADRHistory = append([]UplinkADRHistory(nil), ds.UplinkADRHistory...)
	if ds.ExtraUplinkChannels != nil {
		out.ExtraUplinkChannels = make(map[int]ExtraChannel, len(ds.ExtraUplinkChannels))
		for k, v := range ds.ExtraUplinkChannels {
			out.ExtraUplinkChannels[k] = v
		}
	}
	if ds.MACCommandErrorCount != nil {
		out.MACCommandErrorCount = make(map[lorawan.CID]int, len(ds.MACCommandErrorCount))
		for k, v := range ds.MACCommandErrorCount {
			out.MACCommandErrorCount[k] = v
		}
	}
	if ds.LastDeviceStatusRequest != nil {
		t := *ds.LastDeviceStatusRequest
		out.LastDeviceStatusRequest = &t
	}
	return &out
}
