package client

import (
	"errors"

	"github.com/mk6i/open-oicq-client/transport"
)

var (
	// ErrNotConnected indicates a request made without an established
	// connection, or one whose write failed.
	ErrNotConnected = transport.ErrNotConnected
	// ErrConnectionClosed indicates the connection ended while the request
	// was waiting for its response.
	ErrConnectionClosed = errors.New("connection closed while waiting for response")
	// ErrServerNotice indicates the server attached a notice while the
	// request was in flight. The notice text is in the error message.
	ErrServerNotice = errors.New("server notice")
	// ErrEmptyResponse indicates a response frame with an empty body.
	ErrEmptyResponse = errors.New("empty response body")
	// ErrTimeout indicates no response arrived within the request timeout.
	ErrTimeout = errors.New("no data returned")
	// ErrEncode indicates a request that could not be built or framed.
	ErrEncode = errors.New("unable to encode request")
	// ErrParse indicates a response body the parser rejected.
	ErrParse = errors.New("unable to parse response")
	// ErrSequenceInFlight indicates a sequence number that already has a
	// request waiting on it.
	ErrSequenceInFlight = errors.New("sequence number already in flight")
)
