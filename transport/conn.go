package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mk6i/open-oicq-client/config"
	"github.com/mk6i/open-oicq-client/wire"
)

var (
	// ErrNotConnected indicates an operation that needs an established
	// connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed indicates a Connect on a Conn that has already been torn
	// down. A Conn carries exactly one connection.
	ErrClosed = errors.New("connection already closed")
	// ErrConnecting indicates a Connect while another is in progress.
	ErrConnecting = errors.New("connection attempt already in progress")
)

// State is the lifecycle stage of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FrameHandler receives every complete inbound frame, length header
// included, in the order it arrived. A returned error means the frame was
// dropped; the connection stays up.
type FrameHandler func(frame []byte) error

// ConnInfo summarizes a connection. It is returned by Disconnect, even when
// no connection was ever made.
type ConnInfo struct {
	Network        string
	LocalAddr      string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	BytesSent      uint64
	BytesReceived  uint64
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
	// Err describes why the connection ended, empty after a clean
	// disconnect.
	Err string
}

// Options tunes a Conn.
type Options struct {
	// MaxFrameSize bounds inbound frames. 0 selects wire.DefaultMaxFrameSize.
	MaxFrameSize int
	// WriteTimeout is applied to each socket write. 0 disables the
	// deadline.
	WriteTimeout time.Duration
	// SendRate limits outbound frames per second. 0 disables the limiter.
	SendRate rate.Limit
	// SendBurst is the limiter bucket size.
	SendBurst int
}

// OptionsFromConfig derives connection options from the client config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxFrameSize: cfg.MaxFrameSize,
		WriteTimeout: cfg.WriteTimeout,
		SendRate:     rate.Limit(cfg.SendRate),
		SendBurst:    cfg.SendBurst,
	}
}

// Conn owns the socket to the server and runs the receive loop for the
// lifetime of the connection. It moves from StateDisconnected through
// StateConnecting to StateConnected, and back to StateDisconnected on an
// explicit Disconnect or a socket failure, after which it cannot be reused.
type Conn struct {
	dialer   Dialer
	endpoint config.Endpoint
	opts     Options
	logger   *slog.Logger
	limiter  *rate.Limiter

	mutex    sync.Mutex
	state    State
	closed   bool
	conn     net.Conn
	done     chan struct{}
	onClose  func(err error)
	closeErr error
	info     ConnInfo

	writeMutex sync.Mutex

	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
}

// NewConn creates a Conn in StateDisconnected.
func NewConn(dialer Dialer, endpoint config.Endpoint, opts Options, logger *slog.Logger) *Conn {
	c := &Conn{
		dialer:   dialer,
		endpoint: endpoint,
		opts:     opts,
		logger:   logger.With("remote", endpoint.String()),
		state:    StateDisconnected,
	}
	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.SendRate, burst)
	}
	return c
}

// OnClose registers a function called once, from the receive loop, after
// the connection has ended for any reason. err is nil after a Disconnect and
// describes the failure otherwise.
func (c *Conn) OnClose(fn func(err error)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onClose = fn
}

// State returns the current lifecycle stage.
func (c *Conn) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Connect dials the endpoint and starts the receive loop, which hands every
// inbound frame to handler. Frames may be sent as soon as Connect returns.
func (c *Conn) Connect(ctx context.Context, handler FrameHandler) error {
	c.mutex.Lock()
	switch {
	case c.closed:
		c.mutex.Unlock()
		return ErrClosed
	case c.state == StateConnecting:
		c.mutex.Unlock()
		return ErrConnecting
	case c.state == StateConnected:
		c.mutex.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mutex.Unlock()

	conn, err := c.dialer.DialContext(ctx, c.endpoint.Network, c.endpoint.Address)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err != nil {
		c.state = StateDisconnected
		return fmt.Errorf("unable to connect to %s: %w", c.endpoint, err)
	}
	if c.closed {
		// Disconnect raced the dial
		_ = conn.Close()
		c.state = StateDisconnected
		return ErrClosed
	}

	c.conn = conn
	c.state = StateConnected
	c.done = make(chan struct{})
	c.info = ConnInfo{
		Network:     c.endpoint.Network,
		LocalAddr:   conn.LocalAddr().String(),
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}
	c.logger.Info("connected", "local", c.info.LocalAddr)

	go c.receiveLoop(conn, handler, c.done)
	return nil
}

// Send writes one encoded frame to the socket. Writes are serialized, so
// frames never interleave. A failed write tears the connection down.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.mutex.Lock()
	conn, connected := c.conn, c.state == StateConnected
	c.mutex.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("send rate limit: %w", err)
		}
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if deadline, ok := c.writeDeadline(ctx); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	n, err := conn.Write(frame)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		c.fail(fmt.Errorf("write failed: %w", err))
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	c.framesSent.Add(1)
	return nil
}

func (c *Conn) writeDeadline(ctx context.Context) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if c.opts.WriteTimeout > 0 {
		if d := time.Now().Add(c.opts.WriteTimeout); !ok || d.Before(deadline) {
			return d, true
		}
	}
	return deadline, ok
}

// Disconnect closes the socket, waits for the receive loop to exit and
// returns a summary of the connection. It is safe to call more than once and
// on a Conn that never connected.
func (c *Conn) Disconnect() ConnInfo {
	c.mutex.Lock()
	c.closed = true
	conn, done := c.conn, c.done
	c.mutex.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return c.Info()
}

// Info returns a snapshot of the connection summary.
func (c *Conn) Info() ConnInfo {
	c.mutex.Lock()
	info := c.info
	c.mutex.Unlock()

	info.BytesSent = c.bytesSent.Load()
	info.BytesReceived = c.bytesReceived.Load()
	info.FramesSent = c.framesSent.Load()
	info.FramesReceived = c.framesReceived.Load()
	info.FramesDropped = c.framesDropped.Load()
	return info
}

// fail records the first fatal error and closes the socket, which ends the
// receive loop.
func (c *Conn) fail(err error) {
	c.mutex.Lock()
	if c.closeErr == nil && !c.closed {
		c.closeErr = err
	}
	conn := c.conn
	c.mutex.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Conn) receiveLoop(conn net.Conn, handler FrameHandler, done chan struct{}) {
	var loopErr error
	for {
		frame, err := wire.ReadFrame(conn, c.opts.MaxFrameSize)
		if err != nil {
			loopErr = err
			break
		}
		c.bytesReceived.Add(uint64(len(frame)))
		c.framesReceived.Add(1)

		if err := handler(frame); err != nil {
			c.framesDropped.Add(1)
			c.logger.Warn("dropping inbound frame", "err", err.Error(), "len", len(frame))
		}
	}
	_ = conn.Close()

	c.mutex.Lock()
	var reason error
	switch {
	case c.closeErr != nil:
		reason = c.closeErr
	case c.closed:
		// local Disconnect
	case errors.Is(loopErr, io.EOF):
		reason = io.EOF
	default:
		reason = loopErr
	}
	c.closed = true
	c.state = StateDisconnected
	c.info.DisconnectedAt = time.Now()
	if reason != nil {
		c.info.Err = reason.Error()
	}
	onClose := c.onClose
	c.mutex.Unlock()

	switch {
	case reason == nil:
		c.logger.Info("disconnected")
	case errors.Is(reason, io.EOF):
		c.logger.Info("server closed the connection")
	default:
		c.logger.Error("connection closed with error", "err", reason.Error())
	}

	if onClose != nil {
		onClose(reason)
	}
	close(done)
}
