package command

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mk6i/open-oicq-client/client"
	"github.com/mk6i/open-oicq-client/state"
	"github.com/mk6i/open-oicq-client/wire"
)

var (
	errInvalidProtobuf = errors.New("invalid protobuf")

	// ErrOIDBResult indicates an OIDB response with a non-zero result code.
	ErrOIDBResult = errors.New("oidb command failed")
)

// OIDB wraps Body in the OIDB service envelope and sends it under
// "OidbSvc.0x<command>_<service type>" encrypted with the session key.
//
// Request envelope fields:
// 1 command (uint32)
// 2 service_type (uint32)
// 4 body (bytes)
type OIDB struct {
	Command     uint32
	ServiceType uint32
	Body        []byte
}

// Name returns the command name the envelope is sent under.
func (o OIDB) Name() string {
	return fmt.Sprintf("OidbSvc.0x%x_%d", o.Command, o.ServiceType)
}

func (o OIDB) BuildRequest(*state.Session) (client.Request, error) {
	if o.Command == 0 {
		return client.Request{}, errors.New("oidb command is zero")
	}
	return client.Request{
		Command: o.Name(),
		PackWay: wire.PackWaySessionKey,
		Body:    appendOIDB(nil, o),
	}, nil
}

func appendOIDB(dst []byte, o OIDB) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(o.Command))
	dst = protowire.AppendTag(dst, 2, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(o.ServiceType))
	if len(o.Body) > 0 {
		dst = protowire.AppendTag(dst, 4, protowire.BytesType)
		dst = protowire.AppendBytes(dst, o.Body)
	}
	return dst
}

// OIDBResponse is the decoded OIDB response envelope.
//
// Fields:
// 1 command (uint32)
// 2 service_type (uint32)
// 3 result (uint32)
// 4 body (bytes)
// 5 error_msg (string)
type OIDBResponse struct {
	Command     uint32
	ServiceType uint32
	Result      uint32
	Body        []byte
	ErrorMsg    string
}

// OIDBParser decodes the OIDB response envelope. A non-zero result code is
// reported as ErrOIDBResult alongside the decoded envelope.
type OIDBParser struct{}

func (OIDBParser) ParseResponse(b []byte) (OIDBResponse, error) {
	resp, err := decodeOIDBResponse(b)
	if err != nil {
		return OIDBResponse{}, err
	}
	if resp.Result != 0 {
		return resp, fmt.Errorf("%w: 0x%x_%d result %d: %s", ErrOIDBResult,
			resp.Command, resp.ServiceType, resp.Result, resp.ErrorMsg)
	}
	return resp, nil
}

func decodeOIDBResponse(b []byte) (OIDBResponse, error) {
	var m OIDBResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return OIDBResponse{}, errInvalidProtobuf
		}
		b = b[n:]

		switch {
		case num >= 1 && num <= 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return OIDBResponse{}, errInvalidProtobuf
			}
			switch num {
			case 1:
				m.Command = uint32(v)
			case 2:
				m.ServiceType = uint32(v)
			case 3:
				m.Result = uint32(v)
			}
			b = b[n:]
		case num == 4 && typ == protowire.BytesType: // body
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return OIDBResponse{}, errInvalidProtobuf
			}
			m.Body = v
			b = b[n:]
		case num == 5 && typ == protowire.BytesType: // error_msg
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return OIDBResponse{}, errInvalidProtobuf
			}
			m.ErrorMsg = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return OIDBResponse{}, errInvalidProtobuf
			}
			b = b[n:]
		}
	}
	return m, nil
}
