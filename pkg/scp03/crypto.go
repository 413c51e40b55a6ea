package scp03

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

const blockSize = aes.BlockSize

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, errors.New("CBC encrypt: data not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, errors.New("CBC decrypt: data not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesECBEncrypt(key, blockIn []byte) ([]byte, error) {
	if len(blockIn) != blockSize {
		return nil, errors.New("ECB input must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, blockSize)
	block.Encrypt(out, blockIn)
	return out, nil
}

// aesCMAC returns the full 16 byte AES-CMAC of the concatenated parts.
func aesCMAC(key []byte, parts ...[]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.NewWithTagSize(block, blockSize)
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC")
	}
	for _, p := range parts {
		if _, err := h.Write(p); err != nil {
			return nil, errors.Wrap(err, "update CMAC")
		}
	}
	return h.Sum(nil), nil
}

// padISO9797M2 always appends 0x80, then zeros up to the block boundary.
func padISO9797M2(data []byte) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && len(data)-idx <= blockSize && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || len(data)-idx > blockSize || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

// wipe zeroes b in place.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
