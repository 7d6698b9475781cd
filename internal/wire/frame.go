// Package wire implements the framed transport shared by every connection:
// a 16-byte integrity-checked header, optional AES-CTR payload encryption,
// a bounded retransmit buffer driven by ACK/NAK control frames, and a
// replay window on the receive side.
//
// Frame layout:
//
//	0-1   magic 0xBEEF (big-endian)
//	2     version (1)
//	3     frame type
//	4-7   seq u32 BE
//	8-11  payload length u32 BE
//	12-15 CRC-32 over bytes 0-11 plus the payload
//	16-   payload (UTF-8 JSON, or AES-CTR ciphertext of the same)
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	Magic      uint16 = 0xBEEF
	Version    byte   = 1
	HeaderSize        = 16

	// MaxPayload is the sanity cap on the declared payload length. Anything
	// larger fails as a frame error before a single payload byte is read.
	MaxPayload = 1 << 20
)

// FrameType identifies the four frame categories on the wire.
type FrameType byte

const (
	FrameGame FrameType = iota
	FrameChat
	FrameAck
	FrameNak
)

func (t FrameType) String() string {
	switch t {
	case FrameGame:
		return "GAME"
	case FrameChat:
		return "CHAT"
	case FrameAck:
		return "ACK"
	case FrameNak:
		return "NAK"
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// Errors surfaced by frame decoding, in taxonomy order.
var (
	ErrBadFrame = errors.New("wire: bad magic, version, or length")
	ErrCrypto   = errors.New("wire: payload decryption failed")
	ErrReplay   = errors.New("wire: sequence number outside replay window")
	ErrParse    = errors.New("wire: payload is not valid JSON")

	// ErrDead marks a stream that has exceeded the consecutive
	// receive-error threshold and must be treated as disconnected.
	ErrDead = errors.New("wire: stream dead after repeated receive errors")
)

// CRCError reports a checksum mismatch for a specific sequence number so
// the receiver can NAK it.
type CRCError struct {
	Seq uint32
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("wire: CRC mismatch for seq %d", e.Seq)
}

// Frame is one decoded unit from the wire. Payload holds plaintext JSON.
type Frame struct {
	Type    FrameType
	Seq     uint32
	Payload []byte
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// PayloadType peeks at the "type" discriminator of a JSON payload without
// committing to a full message struct. Returns "" for empty payloads.
func (f Frame) PayloadType() string {
	if len(f.Payload) == 0 {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(f.Payload, &head) != nil {
		return ""
	}
	return head.Type
}

// Codec packs and unpacks frames. It keeps no per-connection state, so one
// codec can serve every connection of a server. A nil cipher means
// plaintext payloads; otherwise payloads are encrypted and the CRC covers
// the ciphertext so the integrity check precedes decryption.
type Codec struct {
	cipher *Cipher
}

// NewCodec builds a codec. key may be nil/empty for a plaintext connection
// or a 16-, 24-, or 32-byte AES key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return &Codec{}, nil
	}
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Codec{cipher: cipher}, nil
}

// Encrypted reports whether payload encryption is active.
func (c *Codec) Encrypted() bool { return c.cipher != nil }

// Pack serializes v to JSON and wraps it in a frame. A nil v produces an
// empty payload (used by ACK/NAK control frames).
func (c *Codec) Pack(t FrameType, seq uint32, v any) ([]byte, error) {
	var payload []byte
	if v != nil {
		var err error
		if payload, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("wire: marshaling payload: %w", err)
		}
	}
	if c.cipher != nil && len(payload) > 0 {
		payload = c.cipher.Apply(seq, payload)
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], Magic)
	frame[2] = Version
	frame[3] = byte(t)
	binary.BigEndian.PutUint32(frame[4:8], seq)
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)

	crc := crc32.ChecksumIEEE(frame[0:12])
	crc = crc32.Update(crc, crc32.IEEETable, payload)
	binary.BigEndian.PutUint32(frame[12:16], crc)

	return frame, nil
}

// ReadFrame reads exactly one frame from r. The returned payload is
// plaintext. Errors follow the taxonomy: ErrBadFrame for structural
// problems, *CRCError for checksum mismatches, ErrCrypto for decryption
// failures, and ErrParse for non-JSON payloads. io.EOF (or an unexpected
// EOF mid-frame) means the stream closed.
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	magic := binary.BigEndian.Uint16(header[0:2])
	version := header[2]
	ftype := FrameType(header[3])
	seq := binary.BigEndian.Uint32(header[4:8])
	length := binary.BigEndian.Uint32(header[8:12])
	wantCRC := binary.BigEndian.Uint32(header[12:16])

	if magic != Magic || version != Version {
		return Frame{}, ErrBadFrame
	}
	if length > MaxPayload {
		return Frame{}, ErrBadFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	crc := crc32.ChecksumIEEE(header[0:12])
	crc = crc32.Update(crc, crc32.IEEETable, payload)
	if crc != wantCRC {
		return Frame{}, &CRCError{Seq: seq}
	}

	if c.cipher != nil && len(payload) > 0 {
		payload = c.cipher.Apply(seq, payload)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		if c.cipher != nil {
			// Ciphertext that decrypts to garbage means the key (or nonce)
			// does not match the sender's.
			return Frame{}, ErrCrypto
		}
		return Frame{}, ErrParse
	}

	return Frame{Type: ftype, Seq: seq, Payload: payload}, nil
}
