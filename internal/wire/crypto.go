package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// Cipher applies AES-CTR to frame payloads. The counter IV is derived from
// the frame's sequence number (8-byte big-endian seq followed by 8 zero
// bytes), so both directions stay in sync without carrying a nonce on the
// wire. Sequence numbers are never reused within a connection, which keeps
// the (key, IV) pairs unique per direction.
type Cipher struct {
	block cipher.Block
}

// NewCipher builds a payload cipher from a 16-, 24-, or 32-byte AES key.
func NewCipher(key []byte) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("wire: AES key must be 16/24/32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: initializing AES: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Apply encrypts or decrypts data in CTR mode (the operation is symmetric).
// The input slice is not modified.
func (c *Cipher) Apply(seq uint32, data []byte) []byte {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[:8], uint64(seq))

	out := make([]byte, len(data))
	cipher.NewCTR(c.block, iv[:]).XORKeyStream(out, data)
	return out
}
