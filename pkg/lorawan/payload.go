package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// maxFOptsLen is the largest FOpts field the 4 bit FOptsLen can describe
const maxFOptsLen = 15

// MarshalBinary marshals the MACPayload. The FCnt is truncated to its 16 LSB.
func (m MACPayload) MarshalBinary(uplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > maxFOptsLen {
		return nil, fmt.Errorf("%w: FOpts too long: %d bytes", ErrInvalidPayload, len(m.FHDR.FOpts))
	}
	if m.FPort == nil && len(m.FRMPayload) > 0 {
		return nil, fmt.Errorf("%w: FRMPayload without FPort", ErrInvalidPayload)
	}
	if m.FPort != nil && *m.FPort == 0 && len(m.FHDR.FOpts) > 0 {
		return nil, fmt.Errorf("%w: FOpts must be empty when FPort is 0", ErrInvalidPayload)
	}

	data := make([]byte, 0, 7+len(m.FHDR.FOpts)+1+len(m.FRMPayload))
	data = append(data, m.FHDR.DevAddr.wire()...)

	fctrl := m.FHDR.FCtrl
	fctrl.FOptsLen = uint8(len(m.FHDR.FOpts))
	data = append(data, fctrl.encode(uplink))

	data = binary.LittleEndian.AppendUint16(data, uint16(m.FHDR.FCnt))
	data = append(data, m.FHDR.FOpts...)

	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// UnmarshalBinary unmarshals the MACPayload
func (m *MACPayload) UnmarshalBinary(uplink bool, data []byte) error {
	if len(data) < 7 {
		return fmt.Errorf("%w: MACPayload too short: %d bytes", ErrInvalidPayload, len(data))
	}

	m.FHDR.DevAddr = DevAddr{data[3], data[2], data[1], data[0]}
	m.FHDR.FCtrl = parseFCtrl(data[4], uplink)
	m.FHDR.FCnt = uint32(binary.LittleEndian.Uint16(data[5:7]))
	pos := 7

	fOptsLen := int(m.FHDR.FCtrl.FOptsLen)
	if pos+fOptsLen > len(data) {
		return fmt.Errorf("%w: invalid FOpts length", ErrInvalidPayload)
	}
	m.FHDR.FOpts = nil
	if fOptsLen > 0 {
		m.FHDR.FOpts = append([]byte(nil), data[pos:pos+fOptsLen]...)
	}
	pos += fOptsLen

	m.FPort = nil
	m.FRMPayload = nil
	if pos < len(data) {
		fPort := data[pos]
		m.FPort = &fPort
		pos++
		if pos < len(data) {
			m.FRMPayload = append([]byte(nil), data[pos:]...)
		}
	}

	return nil
}

// MarshalBinary marshals a join request payload
func (j JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	joinEUI := j.JoinEUI.reverse()
	devEUI := j.DevEUI.reverse()
	copy(data[0:8], joinEUI[:])
	copy(data[8:16], devEUI[:])
	binary.LittleEndian.PutUint16(data[16:18], j.DevNonce)
	return data, nil
}

// UnmarshalBinary unmarshals a join request payload
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("%w: invalid JoinRequest length: expected 18, got %d", ErrInvalidPayload, len(data))
	}

	for i := 0; i < 8; i++ {
		j.JoinEUI[7-i] = data[i]
		j.DevEUI[7-i] = data[8+i]
	}
	j.DevNonce = binary.LittleEndian.Uint16(data[16:18])

	return nil
}

// MarshalBinary marshals a join accept payload (plaintext)
func (j JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	if len(j.CFList) != 0 && len(j.CFList) != 16 {
		return nil, fmt.Errorf("%w: CFList must be 16 bytes", ErrInvalidPayload)
	}

	data := make([]byte, 12, 12+len(j.CFList))
	data[0] = byte(j.JoinNonce)
	data[1] = byte(j.JoinNonce >> 8)
	data[2] = byte(j.JoinNonce >> 16)
	data[3], data[4], data[5] = j.NetID[2], j.NetID[1], j.NetID[0]
	copy(data[6:10], j.DevAddr.wire())

	dl := (j.DLSettings.RX1DROffset&0x07)<<4 | j.DLSettings.RX2DataRate&0x0f
	if j.DLSettings.OptNeg {
		dl |= 0x80
	}
	data[10] = dl
	data[11] = j.RxDelay

	return append(data, j.CFList...), nil
}

// UnmarshalBinary unmarshals a join accept payload (plaintext)
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 12 && len(data) != 28 {
		return fmt.Errorf("%w: invalid JoinAccept length: %d", ErrInvalidPayload, len(data))
	}

	j.JoinNonce = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	j.NetID = NetID{data[5], data[4], data[3]}
	j.DevAddr = DevAddr{data[9], data[8], data[7], data[6]}
	j.DLSettings = DLSettings{
		OptNeg:      data[10]&0x80 != 0,
		RX1DROffset: (data[10] >> 4) & 0x07,
		RX2DataRate: data[10] & 0x0f,
	}
	j.RxDelay = data[11]

	j.CFList = nil
	if len(data) > 12 {
		j.CFList = append([]byte(nil), data[12:]...)
	}

	return nil
}

// micBytes returns MHDR | payload, the message covered by the MIC
func (p PHYPayload) micBytes() ([]byte, error) {
	var payload []byte
	var err error

	switch {
	case p.MACPayload != nil:
		payload, err = p.MACPayload.MarshalBinary(p.Uplink())
	case p.JoinRequest != nil:
		payload, err = p.JoinRequest.MarshalBinary()
	case p.JoinAccept != nil:
		payload, err = p.JoinAccept.MarshalBinary()
	default:
		return nil, fmt.Errorf("%w: empty PHYPayload", ErrInvalidPayload)
	}
	if err != nil {
		return nil, err
	}

	return append([]byte{p.MHDR.Byte()}, payload...), nil
}

// MarshalBinary marshals a data frame or join request. Join accepts must be
// marshalled with EncryptJoinAccept as their MIC is part of the ciphertext.
func (p PHYPayload) MarshalBinary() ([]byte, error) {
	if p.MHDR.MType == JoinAccept {
		return nil, fmt.Errorf("%w: join accept must be encrypted", ErrInvalidPayload)
	}

	data, err := p.micBytes()
	if err != nil {
		return nil, err
	}

	return append(data, p.MIC[:]...), nil
}

// UnmarshalBinary unmarshals a data frame or join request. A join accept is
// kept encrypted in EncryptedJoinAccept.
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: PHYPayload too short: %d bytes", ErrInvalidPayload, len(data))
	}

	p.MHDR = parseMHDR(data[0])
	p.MACPayload = nil
	p.JoinRequest = nil
	p.JoinAccept = nil
	copy(p.MIC[:], data[len(data)-4:])
	body := data[1 : len(data)-4]

	switch {
	case p.MHDR.MType.IsData():
		p.MACPayload = &MACPayload{}
		return p.MACPayload.UnmarshalBinary(p.Uplink(), body)
	case p.MHDR.MType == JoinRequest:
		p.JoinRequest = &JoinRequestPayload{}
		return p.JoinRequest.UnmarshalBinary(body)
	default:
		return fmt.Errorf("%w: unsupported message type %s", ErrInvalidPayload, p.MHDR.MType)
	}
}

// EncryptFRMPayload encrypts or decrypts an FRMPayload. The operation is
// symmetric.
func EncryptFRMPayload(key AES128Key, uplink bool, devAddr DevAddr, fCnt uint32, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	a := make([]byte, 16)
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	copy(a[6:10], devAddr.wire())
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	out := make([]byte, len(data))
	s := make([]byte, 16)
	for i := 0; i < len(data); i += 16 {
		a[15] = byte(i/16 + 1)
		block.Encrypt(s, a)
		for j := i; j < len(data) && j < i+16; j++ {
			out[j] = data[j] ^ s[j-i]
		}
	}

	return out, nil
}

// EncryptJoinAccept computes the join accept MIC and returns the encrypted
// PHYPayload bytes. For 1.0 devices micKey and encKey are both the AppKey.
// For 1.1 devices (OptNeg set) micKey is JSIntKey and the MIC covers the
// JoinReqType, JoinEUI and DevNonce of the request.
func EncryptJoinAccept(p PHYPayload, micKey, encKey AES128Key, joinEUI EUI64, devNonce uint16) ([]byte, error) {
	if p.JoinAccept == nil {
		return nil, fmt.Errorf("%w: JoinAccept expected", ErrInvalidPayload)
	}

	msg, err := p.micBytes()
	if err != nil {
		return nil, err
	}

	micInput := msg
	if p.JoinAccept.DLSettings.OptNeg {
		eui := joinEUI.reverse()
		prefix := make([]byte, 0, 11)
		prefix = append(prefix, 0xff)
		prefix = append(prefix, eui[:]...)
		prefix = binary.LittleEndian.AppendUint16(prefix, devNonce)
		micInput = append(prefix, msg...)
	}

	mic, err := CalculateMIC(micKey, micInput)
	if err != nil {
		return nil, fmt.Errorf("calculate JoinAccept MIC: %w", err)
	}

	plaintext := append(append([]byte(nil), msg[1:]...), mic[:]...)
	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: invalid JoinAccept length: %d", ErrInvalidPayload, len(plaintext))
	}

	// the device decrypts with aes_encrypt, so the server encrypts with aes_decrypt
	out := make([]byte, 1+len(plaintext))
	out[0] = msg[0]
	for i := 0; i < len(plaintext); i += aes.BlockSize {
		block.Decrypt(out[1+i:1+i+aes.BlockSize], plaintext[i:i+aes.BlockSize])
	}

	return out, nil
}

// DecryptJoinAccept reverses EncryptJoinAccept and returns the plaintext
// payload and its MIC. It is used by tests and device simulators.
func DecryptJoinAccept(data []byte, encKey AES128Key) (PHYPayload, error) {
	var p PHYPayload
	if len(data) != 17 && len(data) != 33 {
		return p, fmt.Errorf("%w: invalid JoinAccept length: %d", ErrInvalidPayload, len(data))
	}

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return p, err
	}

	plaintext := make([]byte, len(data)-1)
	for i := 0; i < len(plaintext); i += aes.BlockSize {
		block.Encrypt(plaintext[i:i+aes.BlockSize], data[1+i:1+i+aes.BlockSize])
	}

	p.MHDR = parseMHDR(data[0])
	p.JoinAccept = &JoinAcceptPayload{}
	if err := p.JoinAccept.UnmarshalBinary(plaintext[:len(plaintext)-4]); err != nil {
		return p, err
	}
	copy(p.MIC[:], plaintext[len(plaintext)-4:])

	return p, nil
}

// ValidateJoinRequestMIC validates the MIC of a join request
func ValidateJoinRequestMIC(p PHYPayload, key AES128Key) (bool, error) {
	if p.JoinRequest == nil {
		return false, fmt.Errorf("%w: JoinRequest expected", ErrInvalidPayload)
	}

	msg, err := p.micBytes()
	if err != nil {
		return false, err
	}

	mic, err := CalculateMIC(key, msg)
	if err != nil {
		return false, fmt.Errorf("calculate JoinRequest MIC: %w", err)
	}

	return mic == p.MIC, nil
}

// SetJoinRequestMIC sets the MIC of a join request
func (p *PHYPayload) SetJoinRequestMIC(key AES128Key) error {
	msg, err := p.micBytes()
	if err != nil {
		return err
	}

	p.MIC, err = CalculateMIC(key, msg)
	return err
}
