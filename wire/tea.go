package wire

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/tea"
)

// teaRounds is the number of Feistel rounds used by the OICQ family of
// protocols: 16 cycles, each cycle being two rounds.
const teaRounds = 32

var (
	// ErrTEAKeySize indicates a key that is not exactly 16 bytes.
	ErrTEAKeySize = errors.New("tea: key must be 16 bytes")
	// ErrTEACiphertext indicates input that fails the padding or integrity
	// checks performed after decryption.
	ErrTEACiphertext = errors.New("tea: malformed ciphertext")
)

// ZeroKey is the all-zero key used for frames sent before authentication.
var ZeroKey = make([]byte, tea.KeySize)

// TEA encrypts and decrypts payloads using TEA in the chained feedback mode
// used by OICQ. Each 8-byte block is XORed with the previous ciphertext block
// before encryption, and the encrypted result is XORed with the previous
// pre-encryption block.
//
// Plaintext layout before encryption:
//
//	[1 byte]  0xF8 | padLen
//	[padLen]  random padding
//	[2 bytes] random salt
//	[N bytes] payload
//	[7 bytes] zero
type TEA struct {
	block cipher.Block
}

// NewTEA returns a TEA cipher for a 16-byte key.
func NewTEA(key []byte) (TEA, error) {
	if len(key) != tea.KeySize {
		return TEA{}, fmt.Errorf("%w: got %d", ErrTEAKeySize, len(key))
	}
	block, err := tea.NewCipherWithRounds(key, teaRounds)
	if err != nil {
		return TEA{}, err
	}
	return TEA{block: block}, nil
}

// Encrypt returns the ciphertext for src. The output length is always a
// multiple of 8 and at least 16 bytes.
func (t TEA) Encrypt(src []byte) []byte {
	return t.encrypt(src, rand.Reader)
}

// encrypt fills the padding and salt from pad.
func (t TEA) encrypt(src []byte, pad io.Reader) []byte {
	fill := 10 - (len(src)+1)%8
	dst := make([]byte, fill+len(src)+7)
	_, _ = io.ReadFull(pad, dst[1:fill])
	dst[0] = byte(fill-3) | 0xF8
	copy(dst[fill:], src)

	var prevCipher, prevPlain, holder, out [tea.BlockSize]byte
	for i := 0; i < len(dst); i += tea.BlockSize {
		for j := 0; j < tea.BlockSize; j++ {
			holder[j] = dst[i+j] ^ prevCipher[j]
		}
		t.block.Encrypt(out[:], holder[:])
		for j := 0; j < tea.BlockSize; j++ {
			out[j] ^= prevPlain[j]
		}
		copy(dst[i:], out[:])
		prevCipher = out
		prevPlain = holder
	}
	return dst
}

// Decrypt returns the payload carried by src, or ErrTEACiphertext if src is
// not a well-formed ciphertext for this key.
func (t TEA) Decrypt(src []byte) ([]byte, error) {
	if len(src) < 2*tea.BlockSize || len(src)%tea.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrTEACiphertext, len(src))
	}

	dst := make([]byte, len(src))
	var prevCipher, prevHolder, in, holder [tea.BlockSize]byte
	for i := 0; i < len(src); i += tea.BlockSize {
		for j := 0; j < tea.BlockSize; j++ {
			in[j] = src[i+j] ^ prevHolder[j]
		}
		t.block.Decrypt(holder[:], in[:])
		for j := 0; j < tea.BlockSize; j++ {
			dst[i+j] = holder[j] ^ prevCipher[j]
		}
		copy(prevCipher[:], src[i:i+tea.BlockSize])
		prevHolder = holder
	}

	start := int(dst[0]&0x07) + 3
	end := len(dst) - 7
	if start > end {
		return nil, fmt.Errorf("%w: bad padding header", ErrTEACiphertext)
	}
	for _, b := range dst[end:] {
		if b != 0 {
			return nil, fmt.Errorf("%w: trailing bytes not zero", ErrTEACiphertext)
		}
	}
	return dst[start:end], nil
}
