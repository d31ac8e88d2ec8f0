package lorawan

import (
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
)

// Errors returned by the codec
var (
	ErrInvalidMIC            = errors.New("invalid MIC")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrUnsupportedMACVersion = errors.New("unsupported MAC version")
)

// EUI64 represents an 8-byte Extended Unique Identifier, MSB first
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	return decodeHex(e[:], text, "EUI64")
}

// Value implements driver.Valuer
func (e EUI64) Value() (driver.Value, error) {
	return e[:], nil
}

// Scan implements sql.Scanner
func (e *EUI64) Scan(src interface{}) error {
	return scanBytes(e[:], src, "EUI64")
}

// reverse returns the EUI in wire (little-endian) order
func (e EUI64) reverse() [8]byte {
	var out [8]byte
	for i := range e {
		out[7-i] = e[i]
	}
	return out
}

// DevAddr represents a 4-byte device address, MSB first
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler
func (d DevAddr) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	return decodeHex(d[:], text, "DevAddr")
}

// Value implements driver.Valuer
func (d DevAddr) Value() (driver.Value, error) {
	return d[:], nil
}

// Scan implements sql.Scanner
func (d *DevAddr) Scan(src interface{}) error {
	return scanBytes(d[:], src, "DevAddr")
}

// wire returns the address in the byte order used on air
func (d DevAddr) wire() []byte {
	return []byte{d[3], d[2], d[1], d[0]}
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// MarshalText implements encoding.TextMarshaler
func (k AES128Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	return decodeHex(k[:], text, "AES128Key")
}

// Value implements driver.Valuer
func (k AES128Key) Value() (driver.Value, error) {
	return k[:], nil
}

// Scan implements sql.Scanner
func (k *AES128Key) Scan(src interface{}) error {
	return scanBytes(k[:], src, "AES128Key")
}

// NetID represents the 3-byte network identifier, MSB first
type NetID [3]byte

// String returns hex string representation
func (n NetID) String() string {
	return hex.EncodeToString(n[:])
}

// MarshalText implements encoding.TextMarshaler
func (n NetID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (n *NetID) UnmarshalText(text []byte) error {
	return decodeHex(n[:], text, "NetID")
}

func decodeHex(dst []byte, text []byte, name string) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid %s length: expected %d, got %d", name, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

func scanBytes(dst []byte, src interface{}, name string) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("scan %s: expected []byte, got %T", name, src)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("scan %s: expected %d bytes, got %d", name, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// MACVersion is the LoRaWAN MAC layer version a device implements
type MACVersion string

const (
	MACVersion100 MACVersion = "1.0.0"
	MACVersion101 MACVersion = "1.0.1"
	MACVersion102 MACVersion = "1.0.2"
	MACVersion103 MACVersion = "1.0.3"
	MACVersion104 MACVersion = "1.0.4"
	MACVersion110 MACVersion = "1.1.0"
)

// Is11 reports whether the version uses the 1.1 security scheme
func (v MACVersion) Is11() bool {
	return v == MACVersion110
}

// Valid reports whether the version is known
func (v MACVersion) Valid() bool {
	switch v {
	case MACVersion100, MACVersion101, MACVersion102, MACVersion103, MACVersion104, MACVersion110:
		return true
	}
	return false
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RejoinRequest
	Proprietary
)

// String returns the message type name
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case RejoinRequest:
		return "RejoinRequest"
	default:
		return "Proprietary"
	}
}

// IsUplink reports whether frames of this type travel device to network
func (m MType) IsUplink() bool {
	switch m {
	case JoinRequest, UnconfirmedDataUp, ConfirmedDataUp, RejoinRequest:
		return true
	}
	return false
}

// IsData reports whether the type carries a MACPayload
func (m MType) IsData() bool {
	switch m {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		return true
	}
	return false
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWANR1 Major = 0
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte returns the encoded MHDR
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

func parseMHDR(b byte) MHDR {
	return MHDR{MType: MType(b >> 5), Major: Major(b & 0x03)}
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
	FOptsLen  uint8
}

func (c FCtrl) encode(uplink bool) byte {
	var b byte
	if c.ADR {
		b |= 0x80
	}
	if uplink && c.ADRACKReq {
		b |= 0x40
	}
	if c.ACK {
		b |= 0x20
	}
	if uplink && c.ClassB {
		b |= 0x10
	}
	if !uplink && c.FPending {
		b |= 0x10
	}
	return b | c.FOptsLen&0x0f
}

func parseFCtrl(b byte, uplink bool) FCtrl {
	c := FCtrl{
		ADR:      b&0x80 != 0,
		ACK:      b&0x20 != 0,
		FOptsLen: b & 0x0f,
	}
	if uplink {
		c.ADRACKReq = b&0x40 != 0
		c.ClassB = b&0x10 != 0
	} else {
		c.FPending = b&0x10 != 0
	}
	return c
}

// FHDR represents the frame header. FCnt holds the full 32 bit counter,
// only the 16 LSB are transmitted.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint32
	FOpts   []byte
}

// MACPayload represents the MAC payload of a data frame
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// JoinRequestPayload represents a join request
type JoinRequestPayload struct {
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce uint16
}

// JoinAcceptPayload represents a decrypted join accept
type JoinAcceptPayload struct {
	JoinNonce  uint32
	NetID      NetID
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
}

// DLSettings represents downlink settings
type DLSettings struct {
	OptNeg      bool
	RX1DROffset uint8
	RX2DataRate uint8
}

// PHYPayload represents the physical payload. Exactly one of MACPayload,
// JoinRequest or JoinAccept is set depending on the MType.
type PHYPayload struct {
	MHDR        MHDR
	MACPayload  *MACPayload
	JoinRequest *JoinRequestPayload
	JoinAccept  *JoinAcceptPayload
	MIC         [4]byte
}

// Uplink reports whether the frame travels device to network
func (p PHYPayload) Uplink() bool {
	return p.MHDR.MType.IsUplink()
}

// Confirmed reports whether the data frame requests an acknowledgement
func (p PHYPayload) Confirmed() bool {
	return p.MHDR.MType == ConfirmedDataUp || p.MHDR.MType == ConfirmedDataDown
}
