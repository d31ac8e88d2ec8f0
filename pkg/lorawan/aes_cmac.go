package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
)

// aesCMAC implements AES-CMAC according to RFC 4493
func aesCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := generateSubkeys(block)

	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize
	complete := n > 0 && len(data)%aes.BlockSize == 0
	if n == 0 {
		n = 1
	}

	// last block, XORed with K1 when complete or padded and XORed with K2
	mLast := make([]byte, aes.BlockSize)
	lastStart := (n - 1) * aes.BlockSize
	if complete {
		copy(mLast, data[lastStart:])
		xorBlock(mLast, k1)
	} else {
		rest := copy(mLast, data[lastStart:])
		mLast[rest] = 0x80
		xorBlock(mLast, k2)
	}

	x := make([]byte, aes.BlockSize)
	y := make([]byte, aes.BlockSize)
	for i := 0; i < n-1; i++ {
		copy(y, data[i*aes.BlockSize:(i+1)*aes.BlockSize])
		xorBlock(y, x)
		block.Encrypt(x, y)
	}

	copy(y, mLast)
	xorBlock(y, x)
	block.Encrypt(x, y)

	return x, nil
}

// generateSubkeys generates K1 and K2 for AES-CMAC
func generateSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	k0 := make([]byte, aes.BlockSize)
	block.Encrypt(k0, make([]byte, aes.BlockSize))

	k1 = leftShift(k0)
	if k0[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

// leftShift performs a one bit left shift on a byte slice
func leftShift(b []byte) []byte {
	result := make([]byte, len(b))
	var overflow byte

	for i := len(b) - 1; i >= 0; i-- {
		result[i] = b[i]<<1 | overflow
		overflow = (b[i] & 0x80) >> 7
	}

	return result
}

func xorBlock(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// CalculateMIC returns the first four bytes of the CMAC over data
func CalculateMIC(key AES128Key, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := aesCMAC(key[:], data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}
