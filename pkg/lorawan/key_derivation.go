package lorawan

import (
	"crypto/aes"
	"encoding/binary"
)

// DeriveSessionKeys10 derives NwkSKey and AppSKey according to LoRaWAN 1.0.x
func DeriveSessionKeys10(appKey AES128Key, joinNonce uint32, netID NetID, devNonce uint16) (nwkSKey, appSKey AES128Key, err error) {
	nwkSKey, err = deriveKey(appKey, 0x01, joinNonce, []byte{netID[2], netID[1], netID[0]}, devNonce)
	if err != nil {
		return
	}
	appSKey, err = deriveKey(appKey, 0x02, joinNonce, []byte{netID[2], netID[1], netID[0]}, devNonce)
	return
}

// SessionKeys11 holds the keys derived by a LoRaWAN 1.1 join
type SessionKeys11 struct {
	AppSKey     AES128Key
	FNwkSIntKey AES128Key
	SNwkSIntKey AES128Key
	NwkSEncKey  AES128Key
}

// DeriveSessionKeys11 derives the session keys according to LoRaWAN 1.1
func DeriveSessionKeys11(nwkKey, appKey AES128Key, joinNonce uint32, joinEUI EUI64, devNonce uint16) (SessionKeys11, error) {
	var keys SessionKeys11
	var err error
	eui := joinEUI.reverse()

	if keys.AppSKey, err = deriveKey(appKey, 0x02, joinNonce, eui[:], devNonce); err != nil {
		return keys, err
	}
	if keys.FNwkSIntKey, err = deriveKey(nwkKey, 0x01, joinNonce, eui[:], devNonce); err != nil {
		return keys, err
	}
	if keys.SNwkSIntKey, err = deriveKey(nwkKey, 0x03, joinNonce, eui[:], devNonce); err != nil {
		return keys, err
	}
	if keys.NwkSEncKey, err = deriveKey(nwkKey, 0x04, joinNonce, eui[:], devNonce); err != nil {
		return keys, err
	}
	return keys, nil
}

// DeriveJSIntKey derives the key used for the 1.1 join accept MIC
func DeriveJSIntKey(nwkKey AES128Key, devEUI EUI64) (AES128Key, error) {
	eui := devEUI.reverse()
	msg := make([]byte, 16)
	msg[0] = 0x06
	copy(msg[1:9], eui[:])
	return aesEncryptBlock(nwkKey, msg)
}

// deriveKey computes aes128_encrypt(key, typ | JoinNonce | id | DevNonce | pad16)
func deriveKey(key AES128Key, typ byte, joinNonce uint32, id []byte, devNonce uint16) (AES128Key, error) {
	msg := make([]byte, 16)
	msg[0] = typ
	msg[1] = byte(joinNonce)
	msg[2] = byte(joinNonce >> 8)
	msg[3] = byte(joinNonce >> 16)
	n := 4 + copy(msg[4:], id)
	binary.LittleEndian.PutUint16(msg[n:n+2], devNonce)
	return aesEncryptBlock(key, msg)
}

func aesEncryptBlock(key AES128Key, block []byte) (AES128Key, error) {
	var out AES128Key
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	c.Encrypt(out[:], block)
	return out, nil
}
