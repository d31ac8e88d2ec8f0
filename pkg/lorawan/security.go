package lorawan

import (
	"encoding/binary"
	"fmt"
)

// Security computes the MIC and FOpts encryption of data frames for one
// MAC version
type Security interface {
	UplinkMIC(phy PHYPayload, confFCnt uint32, txDR, txCh uint8) ([4]byte, error)
	DownlinkMIC(phy PHYPayload, confFCnt uint32) ([4]byte, error)
	EncryptFOpts(phy *PHYPayload) error
	// PayloadKey returns the key used for FPort 0 FRMPayloads
	PayloadKey() AES128Key
}

// SessionKeys holds the network session keys. For 1.0 devices only
// FNwkSIntKey is used, as NwkSKey.
type SessionKeys struct {
	FNwkSIntKey AES128Key
	SNwkSIntKey AES128Key
	NwkSEncKey  AES128Key
}

// NewSecurity returns the Security implementation for the given MAC version
func NewSecurity(version MACVersion, keys SessionKeys) (Security, error) {
	switch {
	case version.Is11():
		return Version11{
			FNwkSIntKey: keys.FNwkSIntKey,
			SNwkSIntKey: keys.SNwkSIntKey,
			NwkSEncKey:  keys.NwkSEncKey,
		}, nil
	case version.Valid():
		return Version10{NwkSKey: keys.FNwkSIntKey}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMACVersion, version)
	}
}

// Version10 implements LoRaWAN 1.0.x frame security
type Version10 struct {
	NwkSKey AES128Key
}

// UplinkMIC computes the uplink MIC
func (v Version10) UplinkMIC(phy PHYPayload, _ uint32, _, _ uint8) ([4]byte, error) {
	msg, b0, err := dataMICBlocks(phy, 0)
	if err != nil {
		return [4]byte{}, err
	}
	return CalculateMIC(v.NwkSKey, append(b0, msg...))
}

// DownlinkMIC computes the downlink MIC
func (v Version10) DownlinkMIC(phy PHYPayload, _ uint32) ([4]byte, error) {
	msg, b0, err := dataMICBlocks(phy, 0)
	if err != nil {
		return [4]byte{}, err
	}
	return CalculateMIC(v.NwkSKey, append(b0, msg...))
}

// EncryptFOpts is a no-op, 1.0 sends FOpts in clear text
func (v Version10) EncryptFOpts(*PHYPayload) error {
	return nil
}

// PayloadKey returns the NwkSKey
func (v Version10) PayloadKey() AES128Key {
	return v.NwkSKey
}

// Version11 implements LoRaWAN 1.1 frame security
type Version11 struct {
	FNwkSIntKey AES128Key
	SNwkSIntKey AES128Key
	NwkSEncKey  AES128Key
}

// UplinkMIC computes the uplink MIC, cmacS[0:2] | cmacF[0:2]
func (v Version11) UplinkMIC(phy PHYPayload, confFCnt uint32, txDR, txCh uint8) ([4]byte, error) {
	var mic [4]byte

	msg, b0, err := dataMICBlocks(phy, 0)
	if err != nil {
		return mic, err
	}
	if !phy.MACPayload.FHDR.FCtrl.ACK {
		confFCnt = 0
	}

	b1 := make([]byte, 16)
	copy(b1, b0)
	binary.LittleEndian.PutUint16(b1[1:3], uint16(confFCnt))
	b1[3] = txDR
	b1[4] = txCh

	cmacF, err := aesCMAC(v.FNwkSIntKey[:], append(b0, msg...))
	if err != nil {
		return mic, err
	}
	cmacS, err := aesCMAC(v.SNwkSIntKey[:], append(b1, msg...))
	if err != nil {
		return mic, err
	}

	copy(mic[0:2], cmacS[0:2])
	copy(mic[2:4], cmacF[0:2])
	return mic, nil
}

// DownlinkMIC computes the downlink MIC
func (v Version11) DownlinkMIC(phy PHYPayload, confFCnt uint32) ([4]byte, error) {
	if phy.MACPayload != nil && !phy.MACPayload.FHDR.FCtrl.ACK {
		confFCnt = 0
	}
	msg, b0, err := dataMICBlocks(phy, confFCnt)
	if err != nil {
		return [4]byte{}, err
	}
	return CalculateMIC(v.SNwkSIntKey, append(b0, msg...))
}

// EncryptFOpts encrypts (or decrypts) the FOpts field in place
func (v Version11) EncryptFOpts(phy *PHYPayload) error {
	if phy.MACPayload == nil {
		return fmt.Errorf("%w: MACPayload expected", ErrInvalidPayload)
	}
	fhdr := &phy.MACPayload.FHDR
	if len(fhdr.FOpts) == 0 {
		return nil
	}
	if len(fhdr.FOpts) > maxFOptsLen {
		return fmt.Errorf("%w: FOpts too long: %d bytes", ErrInvalidPayload, len(fhdr.FOpts))
	}

	uplink := phy.Uplink()
	a := make([]byte, 16)
	a[0] = 0x01
	a[4] = 0x01
	if !uplink {
		a[5] = 0x01
		if phy.MACPayload.FPort != nil && *phy.MACPayload.FPort > 0 {
			a[4] = 0x02
		}
	}
	copy(a[6:10], fhdr.DevAddr.wire())
	binary.LittleEndian.PutUint32(a[10:14], fhdr.FCnt)
	a[15] = 0x01

	s, err := aesEncryptBlock(v.NwkSEncKey, a)
	if err != nil {
		return err
	}

	out := make([]byte, len(fhdr.FOpts))
	for i := range fhdr.FOpts {
		out[i] = fhdr.FOpts[i] ^ s[i]
	}
	fhdr.FOpts = out
	return nil
}

// PayloadKey returns the NwkSEncKey
func (v Version11) PayloadKey() AES128Key {
	return v.NwkSEncKey
}

// dataMICBlocks returns the MIC message and its B0 block
func dataMICBlocks(phy PHYPayload, confFCnt uint32) ([]byte, []byte, error) {
	if phy.MACPayload == nil {
		return nil, nil, fmt.Errorf("%w: MACPayload expected", ErrInvalidPayload)
	}
	msg, err := phy.micBytes()
	if err != nil {
		return nil, nil, err
	}

	b0 := make([]byte, 16)
	b0[0] = 0x49
	binary.LittleEndian.PutUint16(b0[1:3], uint16(confFCnt))
	if !phy.Uplink() {
		b0[5] = 0x01
	}
	copy(b0[6:10], phy.MACPayload.FHDR.DevAddr.wire())
	binary.LittleEndian.PutUint32(b0[10:14], phy.MACPayload.FHDR.FCnt)
	b0[15] = byte(len(msg))

	return msg, b0, nil
}

// SetUplinkDataMIC sets the MIC of an uplink data frame
func (p *PHYPayload) SetUplinkDataMIC(sec Security, confFCnt uint32, txDR, txCh uint8) error {
	mic, err := sec.UplinkMIC(*p, confFCnt, txDR, txCh)
	if err != nil {
		return fmt.Errorf("calculate uplink MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// SetDownlinkDataMIC sets the MIC of a downlink data frame
func (p *PHYPayload) SetDownlinkDataMIC(sec Security, confFCnt uint32) error {
	mic, err := sec.DownlinkMIC(*p, confFCnt)
	if err != nil {
		return fmt.Errorf("calculate downlink MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC reconstructs the full frame counter from the next
// expected FCntUp and validates the MIC. On success the MACPayload FCnt
// holds the counter the MIC matched with. The raw 16 bit counter is tried
// as well so that a device which restarted its counter is still
// recognised.
func ValidateUplinkDataMIC(sec Security, phy *PHYPayload, fCntUp, confFCnt uint32, txDR, txCh uint8) (bool, error) {
	if phy.MACPayload == nil {
		return false, fmt.Errorf("%w: MACPayload expected", ErrInvalidPayload)
	}

	received := phy.MACPayload.FHDR.FCnt & 0xffff
	candidates := []uint32{GetFullFCnt(fCntUp, uint16(received))}
	if candidates[0] != received {
		candidates = append(candidates, received)
	}

	for _, fCnt := range candidates {
		phy.MACPayload.FHDR.FCnt = fCnt
		mic, err := sec.UplinkMIC(*phy, confFCnt, txDR, txCh)
		if err != nil {
			return false, err
		}
		if mic == phy.MIC {
			return true, nil
		}
	}

	phy.MACPayload.FHDR.FCnt = received
	return false, nil
}
