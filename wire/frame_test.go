package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKey []byte

func (k staticKey) ShareKey() []byte { return k }

func TestMarshalFrame_RoundTrip(t *testing.T) {
	key := staticKey(bytes.Repeat([]byte{0x11}, 16))

	tests := []struct {
		name  string
		given Frame
	}{
		{
			name: "zero key login frame with empty payload",
			given: Frame{
				PackWay:  PackWayZeroKey,
				UIN:      "0",
				Sequence: 5267,
				Command:  "wtlogin.login",
			},
		},
		{
			name: "session key frame",
			given: Frame{
				PackWay:  PackWaySessionKey,
				UIN:      "10001",
				Sequence: 999_999,
				Command:  "OidbSvc.0x88d_1",
				Payload:  []byte{0x08, 0x01, 0x10, 0x02},
			},
		},
		{
			name: "unencrypted frame",
			given: Frame{
				PackWay:  PackWayUnencrypted,
				UIN:      "10001",
				Sequence: 1,
				Command:  "Heartbeat.Alive",
				Payload:  bytes.Repeat([]byte{0xab}, 1000),
			},
		},
		{
			name: "frame carrying tips",
			given: Frame{
				PackWay:  PackWaySessionKey,
				UIN:      "10001",
				Sequence: 42,
				Tips:     "account frozen",
				Command:  "StatSvc.register",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalFrame(tt.given, key, 0)
			require.NoError(t, err)
			assert.Equal(t, uint32(len(b)), binary.BigEndian.Uint32(b))
			assert.Equal(t, byte(tt.given.PackWay), b[4])
			assert.Equal(t, byte(0x00), b[5])

			got, err := UnmarshalFrame(b, key)
			require.NoError(t, err)
			assert.Equal(t, tt.given.PackWay, got.PackWay)
			assert.Equal(t, tt.given.UIN, got.UIN)
			assert.Equal(t, tt.given.Sequence, got.Sequence)
			assert.Equal(t, tt.given.Tips, got.Tips)
			assert.Equal(t, tt.given.Command, got.Command)
			if len(tt.given.Payload) == 0 {
				assert.Empty(t, got.Payload)
			} else {
				assert.Equal(t, tt.given.Payload, got.Payload)
			}
		})
	}
}

func TestMarshalFrame_Errors(t *testing.T) {
	tests := []struct {
		name    string
		given   Frame
		keys    KeySource
		maxSize int
		wantErr error
	}{
		{
			name:    "zero sequence",
			given:   Frame{PackWay: PackWayZeroKey, Command: "wtlogin.login"},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "negative sequence",
			given:   Frame{PackWay: PackWayZeroKey, Sequence: -3, Command: "wtlogin.login"},
			wantErr: ErrInvalidSequence,
		},
		{
			name:    "empty command",
			given:   Frame{PackWay: PackWayZeroKey, Sequence: 1},
			wantErr: ErrEmptyCommand,
		},
		{
			name:    "payload above bound",
			given:   Frame{PackWay: PackWayUnencrypted, Sequence: 1, Command: "x", Payload: make([]byte, 65)},
			maxSize: 64,
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "encrypted frame above bound",
			given:   Frame{PackWay: PackWayZeroKey, Sequence: 1, Command: "x", Payload: make([]byte, 60)},
			maxSize: 64,
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "session key frame without key",
			given:   Frame{PackWay: PackWaySessionKey, Sequence: 1, Command: "x"},
			keys:    staticKey(nil),
			wantErr: ErrMissingShareKey,
		},
		{
			name:    "session key frame with nil key source",
			given:   Frame{PackWay: PackWaySessionKey, Sequence: 1, Command: "x"},
			wantErr: ErrMissingShareKey,
		},
		{
			name:    "unknown pack way",
			given:   Frame{PackWay: PackWay(7), Sequence: 1, Command: "x"},
			wantErr: ErrUnknownPackWay,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalFrame(tt.given, tt.keys, tt.maxSize)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnmarshalFrame_Errors(t *testing.T) {
	key := staticKey(bytes.Repeat([]byte{0x22}, 16))
	valid, err := MarshalFrame(Frame{
		PackWay:  PackWaySessionKey,
		UIN:      "10001",
		Sequence: 7,
		Command:  "MessageSvc.PbGetMsg",
		Payload:  []byte("body"),
	}, key, 0)
	require.NoError(t, err)

	withPackWay := func(way byte) []byte {
		b := append([]byte{}, valid...)
		b[4] = way
		return b
	}

	// plaintext frame whose body length prefix overruns the buffer
	overrun := []byte{
		0, 0, 0, 0, // total, patched below
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x04, // empty UIN
		0x00, 0x00, 0x00, 0x04, // empty head
		0x00, 0x00, 0x00, 0xff, // body claims 251 bytes
		0x01,
	}
	binary.BigEndian.PutUint32(overrun, uint32(len(overrun)))

	// plaintext frame whose head length prefix is smaller than its width
	shortPrefix := []byte{
		0, 0, 0, 0,
		0x00, 0x00,
		0x00, 0x00, 0x00, 0x04,
		0x00, 0x00, 0x00, 0x02,
	}
	binary.BigEndian.PutUint32(shortPrefix, uint32(len(shortPrefix)))

	tests := []struct {
		name    string
		given   []byte
		keys    KeySource
		wantErr []error
	}{
		{
			name:    "unknown pack way",
			given:   withPackWay(3),
			keys:    key,
			wantErr: []error{ErrDecode, ErrUnknownPackWay},
		},
		{
			name:    "wrong share key",
			given:   valid,
			keys:    staticKey(bytes.Repeat([]byte{0x33}, 16)),
			wantErr: []error{ErrDecode, ErrTEACiphertext},
		},
		{
			name:    "session key frame but session has no key",
			given:   valid,
			keys:    staticKey(nil),
			wantErr: []error{ErrDecode, ErrTEAKeySize},
		},
		{
			name:    "pack way mismatch",
			given:   withPackWay(byte(PackWayZeroKey)),
			keys:    key,
			wantErr: []error{ErrDecode, ErrTEACiphertext},
		},
		{
			name:    "total length mismatch",
			given:   valid[:len(valid)-8],
			keys:    key,
			wantErr: []error{ErrDecode},
		},
		{
			name:    "truncated header",
			given:   []byte{0x00, 0x00},
			keys:    key,
			wantErr: []error{ErrDecode},
		},
		{
			name:    "block overruns buffer",
			given:   overrun,
			wantErr: []error{ErrDecode},
		},
		{
			name:    "length prefix smaller than its width",
			given:   shortPrefix,
			wantErr: []error{ErrDecode},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFrame(tt.given, tt.keys)
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestReadFrame(t *testing.T) {
	first, err := MarshalFrame(Frame{PackWay: PackWayZeroKey, UIN: "0", Sequence: 1, Command: "a"}, nil, 0)
	require.NoError(t, err)
	second, err := MarshalFrame(Frame{PackWay: PackWayZeroKey, UIN: "0", Sequence: 2, Command: "b", Payload: []byte("p")}, nil, 0)
	require.NoError(t, err)

	r := bytes.NewReader(append(append([]byte{}, first...), second...))

	got, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_Errors(t *testing.T) {
	header := func(n uint32) []byte {
		return binary.BigEndian.AppendUint32(nil, n)
	}

	tests := []struct {
		name    string
		given   []byte
		maxSize int
		wantErr error
	}{
		{
			name:    "declared length below minimum",
			given:   header(6),
			wantErr: ErrDecode,
		},
		{
			name:    "declared length above bound",
			given:   header(1 << 20),
			maxSize: 1024,
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "stream ends mid frame",
			given:   append(header(32), make([]byte, 10)...),
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name:    "stream ends mid header",
			given:   []byte{0x00, 0x00},
			wantErr: io.ErrUnexpectedEOF,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.given), tt.maxSize)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParsePackWay(t *testing.T) {
	for _, b := range []byte{0, 1, 2} {
		p, err := ParsePackWay(b)
		assert.NoError(t, err)
		assert.Equal(t, PackWay(b), p)
	}
	_, err := ParsePackWay(9)
	assert.ErrorIs(t, err, ErrUnknownPackWay)
	assert.Equal(t, "unknown(9)", PackWay(9).String())
	assert.Equal(t, "zero-key", PackWayZeroKey.String())
}
