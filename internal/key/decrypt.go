package key

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// BlockSize is the size of AES-128 keys, IVs and cipher blocks.
const BlockSize = aes.BlockSize

// ErrBadPadding is returned when decrypted data does not end in valid PKCS#7 padding.
var ErrBadPadding = errors.New("invalid PKCS#7 padding")

// Decrypt decrypts an AES-128-CBC fragment and strips its PKCS#7 padding.
func Decrypt(data, key []byte, iv [16]byte) ([]byte, error) {
	if len(key) != BlockSize {
		return nil, fmt.Errorf("invalid AES-128 key length %d", len(key))
	}
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, data)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > BlockSize {
		return nil, ErrBadPadding
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return out[:len(out)-pad], nil
}
