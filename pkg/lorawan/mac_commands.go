package lorawan

import (
	"encoding/binary"
	"fmt"
	"time"
)

// CID is a MAC command identifier
type CID byte

// MAC command identifiers
const (
	LinkCheckReq     CID = 0x02
	LinkCheckAns     CID = 0x02
	LinkADRReq       CID = 0x03
	LinkADRAns       CID = 0x03
	DutyCycleReq     CID = 0x04
	DutyCycleAns     CID = 0x04
	RXParamSetupReq  CID = 0x05
	RXParamSetupAns  CID = 0x05
	DevStatusReq     CID = 0x06
	DevStatusAns     CID = 0x06
	NewChannelReq    CID = 0x07
	NewChannelAns    CID = 0x07
	RXTimingSetupReq CID = 0x08
	RXTimingSetupAns CID = 0x08
	TxParamSetupReq  CID = 0x09
	TxParamSetupAns  CID = 0x09
	DlChannelReq     CID = 0x0A
	DlChannelAns     CID = 0x0A
	DeviceTimeReq    CID = 0x0D
	DeviceTimeAns    CID = 0x0D
)

var cidNames = map[CID]string{
	LinkCheckReq:     "LinkCheck",
	LinkADRReq:       "LinkADR",
	DutyCycleReq:     "DutyCycle",
	RXParamSetupReq:  "RXParamSetup",
	DevStatusReq:     "DevStatus",
	NewChannelReq:    "NewChannel",
	RXTimingSetupReq: "RXTimingSetup",
	TxParamSetupReq:  "TxParamSetup",
	DlChannelReq:     "DlChannel",
	DeviceTimeReq:    "DeviceTime",
}

// String returns the command name without the Req/Ans suffix
func (c CID) String() string {
	if n, ok := cidNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CID(0x%02x)", byte(c))
}

// MACCommandPayload is the typed payload of a MAC command
type MACCommandPayload interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// MACCommand represents a MAC command. Payload is nil for commands
// without payload.
type MACCommand struct {
	CID     CID
	Payload MACCommandPayload
}

// Size returns the encoded size of the command
func (c MACCommand) Size() int {
	return 1 + payloadSize(c.CID, c.Payload)
}

// MACCommandSet is an ordered list of MAC commands
type MACCommandSet []MACCommand

// Size returns the encoded size of the set
func (s MACCommandSet) Size() int {
	var n int
	for _, c := range s {
		n += c.Size()
	}
	return n
}

// PendingMACCommand is a request block sent to a device which has not been
// answered yet
type PendingMACCommand struct {
	CID       CID
	Payload   []byte
	CreatedAt time.Time
}

// NewPendingMACCommand encodes a request block into a pending record
func NewPendingMACCommand(set MACCommandSet, now time.Time) (*PendingMACCommand, error) {
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: empty MAC command set", ErrInvalidPayload)
	}
	b, err := EncodeMACCommands(set)
	if err != nil {
		return nil, err
	}
	return &PendingMACCommand{CID: set[0].CID, Payload: b, CreatedAt: now}, nil
}

// Commands decodes the pending request block
func (p PendingMACCommand) Commands() (MACCommandSet, error) {
	return DecodeMACCommands(false, p.Payload)
}

// LinkCheckAnsPayload is the LinkCheckAns payload
type LinkCheckAnsPayload struct {
	Margin uint8
	GwCnt  uint8
}

func (p LinkCheckAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{p.Margin, p.GwCnt}, nil
}

func (p *LinkCheckAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 2); err != nil {
		return err
	}
	p.Margin, p.GwCnt = data[0], data[1]
	return nil
}

// ChMask is the 16 channel mask of a LinkADRReq
type ChMask [16]bool

// Redundancy holds the ChMaskCntl and NbRep fields
type Redundancy struct {
	ChMaskCntl uint8
	NbRep      uint8
}

// LinkADRReqPayload is the LinkADRReq payload
type LinkADRReqPayload struct {
	DataRate   uint8
	TXPower    uint8
	ChMask     ChMask
	Redundancy Redundancy
}

func (p LinkADRReqPayload) MarshalBinary() ([]byte, error) {
	if p.DataRate > 15 || p.TXPower > 15 {
		return nil, fmt.Errorf("%w: LinkADRReq data-rate and tx-power must be < 16", ErrInvalidPayload)
	}
	var mask uint16
	for i, set := range p.ChMask {
		if set {
			mask |= 1 << uint(i)
		}
	}
	b := []byte{p.DataRate<<4 | p.TXPower, 0, 0, (p.Redundancy.ChMaskCntl&0x07)<<4 | p.Redundancy.NbRep&0x0f}
	binary.LittleEndian.PutUint16(b[1:3], mask)
	return b, nil
}

func (p *LinkADRReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 4); err != nil {
		return err
	}
	p.DataRate = data[0] >> 4
	p.TXPower = data[0] & 0x0f
	mask := binary.LittleEndian.Uint16(data[1:3])
	for i := range p.ChMask {
		p.ChMask[i] = mask&(1<<uint(i)) != 0
	}
	p.Redundancy.ChMaskCntl = (data[3] >> 4) & 0x07
	p.Redundancy.NbRep = data[3] & 0x0f
	return nil
}

// LinkADRAnsPayload is the LinkADRAns payload
type LinkADRAnsPayload struct {
	ChannelMaskACK bool
	DataRateACK    bool
	PowerACK       bool
}

func (p LinkADRAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{bits(p.ChannelMaskACK, p.DataRateACK, p.PowerACK)}, nil
}

func (p *LinkADRAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.ChannelMaskACK = data[0]&0x01 != 0
	p.DataRateACK = data[0]&0x02 != 0
	p.PowerACK = data[0]&0x04 != 0
	return nil
}

// DutyCycleReqPayload is the DutyCycleReq payload
type DutyCycleReqPayload struct {
	MaxDCycle uint8
}

func (p DutyCycleReqPayload) MarshalBinary() ([]byte, error) {
	if p.MaxDCycle > 15 && p.MaxDCycle != 255 {
		return nil, fmt.Errorf("%w: MaxDCycle must be < 16 or 255", ErrInvalidPayload)
	}
	return []byte{p.MaxDCycle}, nil
}

func (p *DutyCycleReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.MaxDCycle = data[0]
	return nil
}

// DLSettingsPayload holds the RX1DROffset and RX2DataRate fields
type DLSettingsPayload struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

// RXParamSetupReqPayload is the RXParamSetupReq payload
type RXParamSetupReqPayload struct {
	Frequency  uint32
	DLSettings DLSettingsPayload
}

func (p RXParamSetupReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = (p.DLSettings.RX1DROffset&0x07)<<4 | p.DLSettings.RX2DataRate&0x0f
	if err := putFrequency(b[1:4], p.Frequency); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *RXParamSetupReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 4); err != nil {
		return err
	}
	p.DLSettings.RX1DROffset = (data[0] >> 4) & 0x07
	p.DLSettings.RX2DataRate = data[0] & 0x0f
	p.Frequency = getFrequency(data[1:4])
	return nil
}

// RXParamSetupAnsPayload is the RXParamSetupAns payload
type RXParamSetupAnsPayload struct {
	ChannelACK     bool
	RX2DataRateACK bool
	RX1DROffsetACK bool
}

func (p RXParamSetupAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{bits(p.ChannelACK, p.RX2DataRateACK, p.RX1DROffsetACK)}, nil
}

func (p *RXParamSetupAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.ChannelACK = data[0]&0x01 != 0
	p.RX2DataRateACK = data[0]&0x02 != 0
	p.RX1DROffsetACK = data[0]&0x04 != 0
	return nil
}

// DevStatusAnsPayload is the DevStatusAns payload. Margin is a 6 bit
// signed value.
type DevStatusAnsPayload struct {
	Battery uint8
	Margin  int8
}

func (p DevStatusAnsPayload) MarshalBinary() ([]byte, error) {
	if p.Margin < -32 || p.Margin > 31 {
		return nil, fmt.Errorf("%w: DevStatusAns margin must be in -32..31", ErrInvalidPayload)
	}
	return []byte{p.Battery, byte(p.Margin) & 0x3f}, nil
}

func (p *DevStatusAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 2); err != nil {
		return err
	}
	p.Battery = data[0]
	m := data[1] & 0x3f
	if m&0x20 != 0 {
		m |= 0xc0
	}
	p.Margin = int8(m)
	return nil
}

// NewChannelReqPayload is the NewChannelReq payload
type NewChannelReqPayload struct {
	ChIndex uint8
	Freq    uint32
	MaxDR   uint8
	MinDR   uint8
}

func (p NewChannelReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 5)
	b[0] = p.ChIndex
	if err := putFrequency(b[1:4], p.Freq); err != nil {
		return nil, err
	}
	b[4] = (p.MaxDR&0x0f)<<4 | p.MinDR&0x0f
	return b, nil
}

func (p *NewChannelReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 5); err != nil {
		return err
	}
	p.ChIndex = data[0]
	p.Freq = getFrequency(data[1:4])
	p.MaxDR = data[4] >> 4
	p.MinDR = data[4] & 0x0f
	return nil
}

// NewChannelAnsPayload is the NewChannelAns payload
type NewChannelAnsPayload struct {
	ChannelFrequencyOK bool
	DataRateRangeOK    bool
}

func (p NewChannelAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{bits(p.ChannelFrequencyOK, p.DataRateRangeOK)}, nil
}

func (p *NewChannelAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.ChannelFrequencyOK = data[0]&0x01 != 0
	p.DataRateRangeOK = data[0]&0x02 != 0
	return nil
}

// RXTimingSetupReqPayload is the RXTimingSetupReq payload. Delay is in
// seconds, 0 means 1 second.
type RXTimingSetupReqPayload struct {
	Delay uint8
}

func (p RXTimingSetupReqPayload) MarshalBinary() ([]byte, error) {
	if p.Delay > 15 {
		return nil, fmt.Errorf("%w: RXTimingSetupReq delay must be < 16", ErrInvalidPayload)
	}
	return []byte{p.Delay}, nil
}

func (p *RXTimingSetupReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.Delay = data[0] & 0x0f
	return nil
}

// TxParamSetupReqPayload is the TxParamSetupReq payload
type TxParamSetupReqPayload struct {
	DownlinkDwellTime bool
	UplinkDwellTime   bool
	MaxEIRP           uint8
}

func (p TxParamSetupReqPayload) MarshalBinary() ([]byte, error) {
	b := p.MaxEIRP & 0x0f
	if p.UplinkDwellTime {
		b |= 0x10
	}
	if p.DownlinkDwellTime {
		b |= 0x20
	}
	return []byte{b}, nil
}

func (p *TxParamSetupReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.MaxEIRP = data[0] & 0x0f
	p.UplinkDwellTime = data[0]&0x10 != 0
	p.DownlinkDwellTime = data[0]&0x20 != 0
	return nil
}

// DlChannelReqPayload is the DlChannelReq payload
type DlChannelReqPayload struct {
	ChIndex uint8
	Freq    uint32
}

func (p DlChannelReqPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = p.ChIndex
	if err := putFrequency(b[1:4], p.Freq); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *DlChannelReqPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 4); err != nil {
		return err
	}
	p.ChIndex = data[0]
	p.Freq = getFrequency(data[1:4])
	return nil
}

// DlChannelAnsPayload is the DlChannelAns payload
type DlChannelAnsPayload struct {
	ChannelFrequencyOK    bool
	UplinkFrequencyExists bool
}

func (p DlChannelAnsPayload) MarshalBinary() ([]byte, error) {
	return []byte{bits(p.ChannelFrequencyOK, p.UplinkFrequencyExists)}, nil
}

func (p *DlChannelAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 1); err != nil {
		return err
	}
	p.ChannelFrequencyOK = data[0]&0x01 != 0
	p.UplinkFrequencyExists = data[0]&0x02 != 0
	return nil
}

// DeviceTimeAnsPayload is the DeviceTimeAns payload
type DeviceTimeAnsPayload struct {
	TimeSinceGPSEpoch time.Duration
}

func (p DeviceTimeAnsPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 5)
	secs := p.TimeSinceGPSEpoch / time.Second
	binary.LittleEndian.PutUint32(b[0:4], uint32(secs))
	frac := p.TimeSinceGPSEpoch - secs*time.Second
	b[4] = byte(frac * 256 / time.Second)
	return b, nil
}

func (p *DeviceTimeAnsPayload) UnmarshalBinary(data []byte) error {
	if err := expectLen(data, 5); err != nil {
		return err
	}
	p.TimeSinceGPSEpoch = time.Duration(binary.LittleEndian.Uint32(data[0:4]))*time.Second +
		time.Duration(data[4])*time.Second/256
	return nil
}

// newPayload returns an empty typed payload for the CID and direction and
// the payload size. A negative size means the CID is unknown.
func newPayload(uplink bool, cid CID) (MACCommandPayload, int) {
	if uplink {
		switch cid {
		case LinkCheckReq, DutyCycleAns, RXTimingSetupAns, TxParamSetupAns, DeviceTimeReq:
			return nil, 0
		case LinkADRAns:
			return &LinkADRAnsPayload{}, 1
		case RXParamSetupAns:
			return &RXParamSetupAnsPayload{}, 1
		case DevStatusAns:
			return &DevStatusAnsPayload{}, 2
		case NewChannelAns:
			return &NewChannelAnsPayload{}, 1
		case DlChannelAns:
			return &DlChannelAnsPayload{}, 1
		}
		return nil, -1
	}

	switch cid {
	case DevStatusReq:
		return nil, 0
	case LinkCheckAns:
		return &LinkCheckAnsPayload{}, 2
	case LinkADRReq:
		return &LinkADRReqPayload{}, 4
	case DutyCycleReq:
		return &DutyCycleReqPayload{}, 1
	case RXParamSetupReq:
		return &RXParamSetupReqPayload{}, 4
	case NewChannelReq:
		return &NewChannelReqPayload{}, 5
	case RXTimingSetupReq:
		return &RXTimingSetupReqPayload{}, 1
	case TxParamSetupReq:
		return &TxParamSetupReqPayload{}, 1
	case DlChannelReq:
		return &DlChannelReqPayload{}, 4
	case DeviceTimeAns:
		return &DeviceTimeAnsPayload{}, 5
	}
	return nil, -1
}

func payloadSize(cid CID, p MACCommandPayload) int {
	if p == nil {
		return 0
	}
	b, err := p.MarshalBinary()
	if err != nil {
		return 0
	}
	return len(b)
}

// DecodeMACCommands decodes the MAC commands in FOpts or an FPort 0
// FRMPayload. Decoding stops at the first unknown CID, the commands decoded
// so far are returned together with the error.
func DecodeMACCommands(uplink bool, data []byte) (MACCommandSet, error) {
	var out MACCommandSet

	for i := 0; i < len(data); {
		cid := CID(data[i])
		i++

		pl, size := newPayload(uplink, cid)
		if size < 0 {
			return out, fmt.Errorf("%w: unknown MAC command 0x%02x", ErrInvalidPayload, byte(cid))
		}
		if i+size > len(data) {
			return out, fmt.Errorf("%w: insufficient data for MAC command %s", ErrInvalidPayload, cid)
		}
		if pl != nil {
			if err := pl.UnmarshalBinary(data[i : i+size]); err != nil {
				return out, fmt.Errorf("decode %s: %w", cid, err)
			}
		}
		i += size

		out = append(out, MACCommand{CID: cid, Payload: pl})
	}

	return out, nil
}

// EncodeMACCommands encodes MAC commands to bytes
func EncodeMACCommands(commands MACCommandSet) ([]byte, error) {
	var data []byte

	for _, cmd := range commands {
		data = append(data, byte(cmd.CID))
		if cmd.Payload == nil {
			continue
		}
		b, err := cmd.Payload.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", cmd.CID, err)
		}
		data = append(data, b...)
	}

	return data, nil
}

func expectLen(data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPayload, n, len(data))
	}
	return nil
}

func bits(flags ...bool) byte {
	var b byte
	for i, f := range flags {
		if f {
			b |= 1 << uint(i)
		}
	}
	return b
}

func putFrequency(b []byte, freq uint32) error {
	if freq/100 >= 1<<24 {
		return fmt.Errorf("%w: frequency out of range: %d", ErrInvalidPayload, freq)
	}
	if freq%100 != 0 {
		return fmt.Errorf("%w: frequency must be a multiple of 100: %d", ErrInvalidPayload, freq)
	}
	f := freq / 100
	b[0], b[1], b[2] = byte(f), byte(f>>8), byte(f>>16)
	return nil
}

func getFrequency(b []byte) uint32 {
	return (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) * 100
}
