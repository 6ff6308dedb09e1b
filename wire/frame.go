package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PackWay selects the encryption scheme applied to a frame payload. It is
// carried in the fifth byte of every frame.
type PackWay uint8

const (
	// PackWayUnencrypted carries the payload as plaintext.
	PackWayUnencrypted PackWay = 0
	// PackWaySessionKey encrypts the payload with the session share key.
	PackWaySessionKey PackWay = 1
	// PackWayZeroKey encrypts the payload with the all-zero key. Used by
	// login traffic before a share key exists.
	PackWayZeroKey PackWay = 2
)

const (
	// DefaultMaxFrameSize bounds outbound and inbound frames.
	DefaultMaxFrameSize = 4 << 20

	// lenPrefixSize is the width of every length prefix. Prefix values
	// include their own width.
	lenPrefixSize = 4

	// minFrameSize is the total length header, pack way, reserved byte and
	// an empty UIN block.
	minFrameSize = lenPrefixSize + 2 + lenPrefixSize
)

var (
	// ErrDecode is the root of every inbound frame decode failure.
	ErrDecode = errors.New("frame decode failure")
	// ErrUnknownPackWay indicates a pack way byte with no known decryption
	// scheme.
	ErrUnknownPackWay = errors.New("unknown decryption type")
	// ErrFrameTooLarge indicates a frame that exceeds the configured bound.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrInvalidSequence indicates an outbound frame without a positive
	// sequence number.
	ErrInvalidSequence = errors.New("sequence number must be positive")
	// ErrEmptyCommand indicates an outbound frame without a command name.
	ErrEmptyCommand = errors.New("command name is empty")
	// ErrMissingShareKey indicates a session-key frame for a session that has
	// no share key yet.
	ErrMissingShareKey = errors.New("session has no share key")
)

// ParsePackWay converts the wire byte to a PackWay.
func ParsePackWay(b byte) (PackWay, error) {
	switch p := PackWay(b); p {
	case PackWayUnencrypted, PackWaySessionKey, PackWayZeroKey:
		return p, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownPackWay, b)
	}
}

func (p PackWay) String() string {
	switch p {
	case PackWayUnencrypted:
		return "unencrypted"
	case PackWaySessionKey:
		return "session-key"
	case PackWayZeroKey:
		return "zero-key"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// KeySource supplies the key material needed to encrypt and decrypt frames.
type KeySource interface {
	ShareKey() []byte
}

// Frame is one decoded unit exchanged over the connection.
//
// Wire layout (big-endian):
//
//	[4] total length (includes itself)
//	[1] pack way
//	[1] reserved (0x00)
//	[4] UIN block length (includes itself) + UIN bytes
//	[*] payload encrypted according to pack way
//
// Decrypted payload:
//
//	[4] head block length + head block:
//	    [4] sequence
//	    [4] reserved
//	    [4] tips length + tips
//	    [4] command length + command
//	[4] body block length + body
type Frame struct {
	PackWay  PackWay
	UIN      string
	Sequence int32
	Reserved int32
	Tips     string
	Command  string
	Payload  []byte
}

// MarshalFrame serializes f into a frame ready to write to the socket. A
// maxSize of 0 or less selects DefaultMaxFrameSize.
func MarshalFrame(f Frame, keys KeySource, maxSize int) ([]byte, error) {
	if f.Sequence <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSequence, f.Sequence)
	}
	if f.Command == "" {
		return nil, ErrEmptyCommand
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if len(f.Payload) > maxSize {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrFrameTooLarge, len(f.Payload))
	}

	head := make([]byte, 0, 16+len(f.Tips)+len(f.Command))
	head = binary.BigEndian.AppendUint32(head, uint32(f.Sequence))
	head = binary.BigEndian.AppendUint32(head, uint32(f.Reserved))
	head = appendBlock(head, []byte(f.Tips))
	head = appendBlock(head, []byte(f.Command))

	inner := make([]byte, 0, 2*lenPrefixSize+len(head)+len(f.Payload))
	inner = appendBlock(inner, head)
	inner = appendBlock(inner, f.Payload)

	var body []byte
	switch f.PackWay {
	case PackWayUnencrypted:
		body = inner
	case PackWayZeroKey:
		c, err := NewTEA(ZeroKey)
		if err != nil {
			return nil, err
		}
		body = c.Encrypt(inner)
	case PackWaySessionKey:
		key := shareKey(keys)
		if len(key) == 0 {
			return nil, ErrMissingShareKey
		}
		c, err := NewTEA(key)
		if err != nil {
			return nil, err
		}
		body = c.Encrypt(inner)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPackWay, f.PackWay)
	}

	total := lenPrefixSize + 2 + lenPrefixSize + len(f.UIN) + len(body)
	if total > maxSize {
		return nil, fmt.Errorf("%w: frame is %d bytes", ErrFrameTooLarge, total)
	}

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = append(buf, byte(f.PackWay), 0x00)
	buf = appendBlock(buf, []byte(f.UIN))
	buf = append(buf, body...)
	return buf, nil
}

// UnmarshalFrame decodes a complete frame as delimited by ReadFrame. Every
// error it returns wraps ErrDecode.
func UnmarshalFrame(b []byte, keys KeySource) (Frame, error) {
	r := blockReader{buf: b}

	total, err := r.readUint32()
	if err != nil {
		return Frame{}, err
	}
	if int(total) != len(b) {
		return Frame{}, fmt.Errorf("%w: total length %d does not match buffer of %d bytes", ErrDecode, total, len(b))
	}
	wayByte, err := r.readByte()
	if err != nil {
		return Frame{}, err
	}
	if _, err := r.readByte(); err != nil { // reserved
		return Frame{}, err
	}
	uin, err := r.readBlock()
	if err != nil {
		return Frame{}, err
	}

	way, err := ParsePackWay(wayByte)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	inner := r.rest()
	switch way {
	case PackWayUnencrypted:
	case PackWayZeroKey:
		c, err := NewTEA(ZeroKey)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if inner, err = c.Decrypt(inner); err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	case PackWaySessionKey:
		c, err := NewTEA(shareKey(keys))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		if inner, err = c.Decrypt(inner); err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrDecode, err)
		}
	}

	f := Frame{
		PackWay: way,
		UIN:     string(uin),
	}

	r = blockReader{buf: inner}
	head, err := r.readBlock()
	if err != nil {
		return Frame{}, err
	}
	body, err := r.readBlock()
	if err != nil {
		return Frame{}, err
	}
	f.Payload = body

	r = blockReader{buf: head}
	seq, err := r.readUint32()
	if err != nil {
		return Frame{}, err
	}
	f.Sequence = int32(seq)
	reserved, err := r.readUint32()
	if err != nil {
		return Frame{}, err
	}
	f.Reserved = int32(reserved)
	tips, err := r.readBlock()
	if err != nil {
		return Frame{}, err
	}
	f.Tips = string(tips)
	cmd, err := r.readBlock()
	if err != nil {
		return Frame{}, err
	}
	f.Command = string(cmd)

	return f, nil
}

// ReadFrame reads one length-delimited frame from r and returns it including
// its length header. A header declaring fewer bytes than the smallest
// possible frame or more than maxSize leaves the stream unsynchronized, so
// the returned error must be treated as fatal for the connection.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var hdr [lenPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(hdr[:])
	switch {
	case total < minFrameSize:
		return nil, fmt.Errorf("%w: declared length %d is below minimum", ErrDecode, total)
	case uint64(total) > uint64(maxSize):
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrFrameTooLarge, total, maxSize)
	}
	buf := make([]byte, total)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[lenPrefixSize:]); err != nil {
		return nil, err
	}
	return buf, nil
}

func shareKey(keys KeySource) []byte {
	if keys == nil {
		return nil
	}
	return keys.ShareKey()
}

// appendBlock appends b prefixed by its length plus the prefix width.
func appendBlock(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)+lenPrefixSize))
	return append(dst, b...)
}

// blockReader consumes big-endian integers and self-inclusive
// length-prefixed blocks from a buffer.
type blockReader struct {
	buf []byte
	off int
}

func (r *blockReader) readByte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end of buffer at offset %d", ErrDecode, r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *blockReader) readUint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end of buffer at offset %d", ErrDecode, r.off)
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *blockReader) readBlock() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if n < lenPrefixSize {
		return nil, fmt.Errorf("%w: length prefix %d smaller than its own width", ErrDecode, n)
	}
	size := int(n - lenPrefixSize)
	if size > len(r.buf)-r.off {
		return nil, fmt.Errorf("%w: length prefix %d exceeds remaining %d bytes", ErrDecode, n, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+size]
	r.off += size
	return b, nil
}

func (r *blockReader) rest() []byte {
	return r.buf[r.off:]
}
