package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mk6i/open-oicq-client/client/middleware"
	"github.com/mk6i/open-oicq-client/config"
	"github.com/mk6i/open-oicq-client/state"
	"github.com/mk6i/open-oicq-client/transport"
	"github.com/mk6i/open-oicq-client/wire"
)

// Request is one outbound business command.
type Request struct {
	Command string
	PackWay wire.PackWay
	Body    []byte
}

// RequestBuilder produces the request for a business command from the
// current session state.
type RequestBuilder interface {
	BuildRequest(sess *state.Session) (Request, error)
}

// ResponseParser decodes the response body of a business command.
type ResponseParser[T any] interface {
	ParseResponse(body []byte) (T, error)
}

// Client runs request/response cycles for one session over one server
// connection at a time.
type Client struct {
	middleware.RouteLogger

	cfg      config.Config
	endpoint config.Endpoint
	session  *state.Session
	dialer   transport.Dialer
	logger   *slog.Logger

	mutex sync.Mutex
	conn  *transport.Conn
	corr  *correlator
}

// NewClient creates a disconnected client for session. The server address
// comes from cfg.ServerURI.
func NewClient(cfg config.Config, session *state.Session, logger *slog.Logger, dialer transport.Dialer) (*Client, error) {
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		RouteLogger: middleware.RouteLogger{Logger: logger},
		cfg:         cfg,
		endpoint:    endpoint,
		session:     session,
		dialer:      dialer,
		logger:      logger,
	}, nil
}

// Session returns the session the client runs requests for.
func (c *Client) Session() *state.Session {
	return c.session
}

// Connect opens a connection to the server. A client whose connection
// ended may connect again; requests waiting on the old connection have
// already been failed.
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil && c.conn.State() != transport.StateDisconnected {
		return nil
	}

	conn := transport.NewConn(c.dialer, c.endpoint, transport.OptionsFromConfig(c.cfg), c.logger)
	corr := newCorrelator(c.session)
	conn.OnClose(func(error) {
		corr.failAll()
	})
	if err := conn.Connect(ctx, c.handleFrame(corr)); err != nil {
		return err
	}
	c.conn = conn
	c.corr = corr
	return nil
}

// Connected reports whether the client has an open connection.
func (c *Client) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn != nil && c.conn.State() == transport.StateConnected
}

// Close disconnects from the server. It always succeeds and may be called
// on a client that never connected.
func (c *Client) Close() CloseResult {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()

	res := CloseResult{Status: StatusOK, Message: "client released"}
	if conn != nil {
		res.Conn = conn.Disconnect()
	}
	return res
}

// AllocateSequence returns the session's current sequence number and
// advances it.
func (c *Client) AllocateSequence() int32 {
	return c.session.NextSequence()
}

// Encode frames req under seq with the session's UIN and keys.
func (c *Client) Encode(seq int32, req Request) ([]byte, error) {
	return wire.MarshalFrame(c.frame(seq, req), c.session, c.cfg.MaxFrameSize)
}

func (c *Client) frame(seq int32, req Request) wire.Frame {
	return wire.Frame{
		PackWay:  req.PackWay,
		UIN:      c.session.UIN(),
		Sequence: seq,
		Command:  req.Command,
		Payload:  req.Body,
	}
}

// SendAndWait writes an encoded frame and blocks until the response for seq
// arrives. It fails with ErrTimeout after timeout, with ErrServerNotice if
// the server posts a notice meanwhile, and with ErrConnectionClosed if the
// connection ends first. A timeout of 0 selects the configured request
// timeout.
func (c *Client) SendAndWait(ctx context.Context, frame []byte, seq int32, timeout time.Duration) ([]byte, error) {
	c.mutex.Lock()
	conn, corr := c.conn, c.corr
	c.mutex.Unlock()
	if conn == nil || conn.State() != transport.StateConnected {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	s, err := corr.register(seq)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, frame); err != nil {
		corr.release(s)
		return nil, err
	}
	return corr.wait(ctx, s, timeout)
}

// handleFrame decodes inbound frames for the receive loop. Decode failures
// are returned so the receive loop drops and counts the frame; the
// connection stays up.
func (c *Client) handleFrame(corr *correlator) transport.FrameHandler {
	return func(b []byte) error {
		f, err := wire.UnmarshalFrame(b, c.session)
		if err != nil {
			return err
		}
		if f.Tips != "" {
			c.logger.Warn("server notice", "tips", f.Tips, "seq", f.Sequence, "cmd", f.Command)
			corr.notify(f.Tips)
		}
		if !corr.deliver(f.Sequence, f.Payload) {
			c.logger.Debug("unsolicited frame", "seq", f.Sequence, "cmd", f.Command, "len", len(f.Payload))
		}
		return nil
	}
}

// Do runs one full request/response cycle: it allocates a sequence number,
// builds and encodes the request, waits for the response and parses it.
// Every outcome, including transport failures, is reported in the Result.
func Do[T any](ctx context.Context, c *Client, builder RequestBuilder, parser ResponseParser[T]) Result[T] {
	if !c.Connected() {
		return failure[T](ErrNotConnected)
	}

	req, err := builder.BuildRequest(c.session)
	if err != nil {
		return failure[T](fmt.Errorf("%w: %w", ErrEncode, err))
	}
	seq := c.AllocateSequence()
	outFrame := c.frame(seq, req)
	b, err := wire.MarshalFrame(outFrame, c.session, c.cfg.MaxFrameSize)
	if err != nil {
		return failure[T](fmt.Errorf("%w: %w", ErrEncode, err))
	}

	middleware.LogRequest(ctx, c.logger, outFrame)
	start := time.Now()
	resp, err := c.SendAndWait(ctx, b, seq, c.cfg.RequestTimeout)
	if err != nil {
		middleware.LogRequestError(ctx, c.logger, outFrame, err)
		return failure[T](err)
	}
	c.LogRequestAndResponse(ctx, outFrame, resp, time.Since(start))

	if len(resp) == 0 {
		if tips := c.session.Tips(); tips != "" {
			return failure[T](noticeError{tips: tips})
		}
		return failure[T](ErrEmptyResponse)
	}

	out, err := parser.ParseResponse(resp)
	if err != nil {
		return failure[T](fmt.Errorf("%w: %w", ErrParse, err))
	}
	return success(out)
}
