package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mk6i/open-oicq-client/config"
	"github.com/mk6i/open-oicq-client/state"
	"github.com/mk6i/open-oicq-client/wire"
)

var testShareKey = bytes.Repeat([]byte{0x42}, 16)

type staticKey []byte

func (k staticKey) ShareKey() []byte { return k }

// serverConn is the server side of one client connection.
type serverConn struct {
	net.Conn
}

func (sc serverConn) reply(f wire.Frame) {
	b, err := wire.MarshalFrame(f, staticKey(testShareKey), 0)
	if err != nil {
		panic(err)
	}
	_, _ = sc.Write(b)
}

// pushWithSequence writes an unencrypted frame carrying any sequence
// number, including the non-positive ones MarshalFrame refuses.
func (sc serverConn) pushWithSequence(seq int32, payload []byte) {
	b, err := wire.MarshalFrame(wire.Frame{
		PackWay:  wire.PackWayUnencrypted,
		Sequence: 1,
		Command:  "OnlinePush.ReqPush",
		Payload:  payload,
	}, nil, 0)
	if err != nil {
		panic(err)
	}
	// total(4) pack way(1) reserved(1) empty UIN block(4) head length(4)
	binary.BigEndian.PutUint32(b[14:], uint32(seq))
	_, _ = sc.Write(b)
}

// startServer runs a fake gateway that decodes every request with the test
// share key and hands it to respond.
func startServer(t *testing.T, respond func(sc serverConn, req wire.Frame)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					b, err := wire.ReadFrame(conn, 0)
					if err != nil {
						return
					}
					req, err := wire.UnmarshalFrame(b, staticKey(testShareKey))
					if err != nil {
						return
					}
					respond(serverConn{conn}, req)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// scripted answers according to the request body.
func scripted(sc serverConn, req wire.Frame) {
	answer := func(payload []byte, tips string) {
		sc.reply(wire.Frame{
			PackWay:  wire.PackWaySessionKey,
			UIN:      req.UIN,
			Sequence: req.Sequence,
			Tips:     tips,
			Command:  req.Command,
			Payload:  payload,
		})
	}

	switch body := string(req.Payload); {
	case body == "silent":
	case body == "empty":
		answer(nil, "")
	case body == "notice":
		answer([]byte("ignored"), "account frozen")
	case body == "push-notice":
		sc.reply(wire.Frame{
			PackWay:  wire.PackWaySessionKey,
			Sequence: maxCorrelatedSequence + 17,
			Tips:     "kicked offline",
			Command:  "MessageSvc.PushForceOffline",
		})
	case body == "pushes":
		for _, seq := range []int32{0, -1, req.Sequence - maxCorrelatedSequence, maxCorrelatedSequence, maxCorrelatedSequence + req.Sequence} {
			sc.pushWithSequence(seq, []byte("push"))
		}
		answer([]byte("real"), "")
	case body == "garbage":
		_, _ = sc.Write([]byte{0, 0, 0, 10, 9, 0, 0, 0, 0, 4})
		answer([]byte("after garbage"), "")
	case body == "drop":
		_ = sc.Close()
	case strings.HasPrefix(body, "slow:"):
		time.AfterFunc(150*time.Millisecond, func() { answer([]byte("ack:"+body), "") })
	default:
		answer([]byte("ack:"+body), "")
	}
}

type rawRequest struct {
	cmd     string
	body    string
	packWay wire.PackWay
}

func (r rawRequest) BuildRequest(*state.Session) (Request, error) {
	return Request{Command: r.cmd, PackWay: r.packWay, Body: []byte(r.body)}, nil
}

func body(s string) rawRequest {
	return rawRequest{cmd: "OidbSvc.0x88d_1", body: s, packWay: wire.PackWaySessionKey}
}

type stringParser struct{}

func (stringParser) ParseResponse(b []byte) (string, error) {
	return string(b), nil
}

type failingParser struct{}

func (failingParser) ParseResponse([]byte) (string, error) {
	return "", errors.New("truncated protobuf")
}

func newTestClient(t *testing.T, addr string, timeout time.Duration) *Client {
	t.Helper()
	sess, err := state.NewSession(state.ClientTypeQQ)
	require.NoError(t, err)
	sess.SetUIN("10001")
	sess.SetShareKey(testShareKey)

	cfg := config.Config{
		ServerURI:      "tcp://" + addr,
		RequestTimeout: timeout,
		WriteTimeout:   time.Second,
	}
	c, err := NewClient(cfg, sess, slog.Default(), &net.Dialer{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func connectedClient(t *testing.T, timeout time.Duration) *Client {
	t.Helper()
	c := newTestClient(t, startServer(t, scripted), timeout)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestNewClient_BadEndpoint(t *testing.T) {
	sess, err := state.NewSession(state.ClientTypeQQ)
	require.NoError(t, err)
	_, err = NewClient(config.Config{ServerURI: "udp://127.0.0.1:1"}, sess, slog.Default(), &net.Dialer{})
	assert.Error(t, err)
}

func TestClient_EncodeRoundTrip(t *testing.T) {
	sess, err := state.NewSession(state.ClientTypeQQ)
	require.NoError(t, err)
	sess.SetShareKey(make([]byte, 16))
	c, err := NewClient(config.Config{ServerURI: "tcp://127.0.0.1:8080"}, sess, slog.Default(), &net.Dialer{})
	require.NoError(t, err)

	assert.Equal(t, int32(5267), c.AllocateSequence())
	assert.Equal(t, int32(5268), c.AllocateSequence())

	b, err := c.Encode(5267, Request{Command: "wtlogin.login", PackWay: wire.PackWayZeroKey})
	require.NoError(t, err)

	f, err := wire.UnmarshalFrame(b, sess)
	require.NoError(t, err)
	assert.Equal(t, int32(5267), f.Sequence)
	assert.Equal(t, "wtlogin.login", f.Command)
	assert.Equal(t, "", f.Tips)
	assert.Empty(t, f.Payload)
	assert.Equal(t, "0", f.UIN)
}

func TestDo_Success(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, body("ping"), stringParser{})
	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "request succeeded", res.Message)
	assert.Equal(t, "ack:ping", res.Response)
	assert.Equal(t, state.DefaultSequenceSeed+1, c.Session().Sequence())
}

func TestDo_NotConnected(t *testing.T) {
	c := newTestClient(t, "127.0.0.1:1", time.Second)

	res := Do[string](context.Background(), c, body("ping"), stringParser{})
	assert.Equal(t, StatusNotConnected, res.Status)
	assert.ErrorIs(t, res.Err, ErrNotConnected)
	assert.Equal(t, state.DefaultSequenceSeed, c.Session().Sequence(), "no sequence is spent")

	_, err := c.SendAndWait(context.Background(), []byte{0x00}, 1, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDo_Timeout(t *testing.T) {
	const bound = 150 * time.Millisecond
	c := connectedClient(t, bound)

	start := time.Now()
	res := Do[string](context.Background(), c, body("silent"), stringParser{})
	elapsed := time.Since(start)

	assert.Equal(t, StatusNoData, res.Status)
	assert.Equal(t, "no data returned", res.Message)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, bound)
	assert.Less(t, elapsed, bound+100*time.Millisecond)
}

func TestDo_EmptyResponse(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, body("empty"), stringParser{})
	assert.Equal(t, StatusEmptyResponse, res.Status)
	assert.Equal(t, "empty response body", res.Message)
	assert.ErrorIs(t, res.Err, ErrEmptyResponse)
}

func TestDo_ServerNotice(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, body("notice"), stringParser{})
	assert.Equal(t, StatusServerNotice, res.Status)
	assert.Equal(t, "account frozen", res.Message)
	assert.ErrorIs(t, res.Err, ErrServerNotice)
	assert.Equal(t, "account frozen", c.Session().Tips())

	// the notice belongs to the cycle that saw it
	res = Do[string](context.Background(), c, body("ping"), stringParser{})
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "ack:ping", res.Response)
	assert.Empty(t, c.Session().Tips())
}

func TestDo_PushedNoticeEndsWait(t *testing.T) {
	c := connectedClient(t, 2*time.Second)

	start := time.Now()
	res := Do[string](context.Background(), c, body("push-notice"), stringParser{})
	assert.Equal(t, StatusServerNotice, res.Status)
	assert.Equal(t, "kicked offline", res.Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_OutOfRangePushesIgnored(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, body("pushes"), stringParser{})
	require.NoError(t, res.Err)
	assert.Equal(t, "real", res.Response)
}

func TestDo_DecodeFailureDropped(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, body("garbage"), stringParser{})
	require.NoError(t, res.Err)
	assert.Equal(t, "after garbage", res.Response)

	closed := c.Close()
	assert.Equal(t, uint64(1), closed.Conn.FramesDropped)
	assert.Equal(t, uint64(2), closed.Conn.FramesReceived)
}

func TestDo_ConnectionLost(t *testing.T) {
	c := connectedClient(t, 3*time.Second)

	start := time.Now()
	res := Do[string](context.Background(), c, body("drop"), stringParser{})
	assert.Equal(t, StatusConnectionLost, res.Status)
	assert.ErrorIs(t, res.Err, ErrConnectionClosed)
	assert.Less(t, time.Since(start), time.Second, "waits fail when the connection ends")

	res = Do[string](context.Background(), c, body("ping"), stringParser{})
	assert.Equal(t, StatusNotConnected, res.Status)

	require.NoError(t, c.Connect(context.Background()))
	res = Do[string](context.Background(), c, body("ping"), stringParser{})
	assert.Equal(t, StatusOK, res.Status)
}

func TestDo_ParseFailure(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, body("ping"), failingParser{})
	assert.Equal(t, StatusParseFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrParse)
	assert.Contains(t, res.Message, "truncated protobuf")
}

func TestDo_EncodeFailure(t *testing.T) {
	c := connectedClient(t, time.Second)

	res := Do[string](context.Background(), c, rawRequest{packWay: wire.PackWaySessionKey}, stringParser{})
	assert.Equal(t, StatusEncodeFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrEncode)
	assert.ErrorIs(t, res.Err, wire.ErrEmptyCommand)
}

func TestSendAndWait_CorrelationIsolation(t *testing.T) {
	c := connectedClient(t, 2*time.Second)

	slowSeq, fastSeq := c.AllocateSequence(), c.AllocateSequence()
	slowFrame, err := c.Encode(slowSeq, body("slow:one").request())
	require.NoError(t, err)
	fastFrame, err := c.Encode(fastSeq, body("two").request())
	require.NoError(t, err)

	var slowDone, fastDone time.Time
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		resp, err := c.SendAndWait(ctx, slowFrame, slowSeq, 0)
		slowDone = time.Now()
		if err != nil {
			return err
		}
		assert.Equal(t, "ack:slow:one", string(resp))
		return nil
	})
	g.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		resp, err := c.SendAndWait(ctx, fastFrame, fastSeq, 0)
		fastDone = time.Now()
		if err != nil {
			return err
		}
		assert.Equal(t, "ack:two", string(resp))
		return nil
	})
	require.NoError(t, g.Wait())
	assert.True(t, fastDone.Before(slowDone), "the fast response did not disturb the slow wait")
}

func TestSendAndWait_TimeoutLongerThanConfigured(t *testing.T) {
	c := connectedClient(t, 50*time.Millisecond)

	seq := c.AllocateSequence()
	frame, err := c.Encode(seq, body("slow:late").request())
	require.NoError(t, err)

	resp, err := c.SendAndWait(context.Background(), frame, seq, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack:slow:late", string(resp))
}

func TestSendAndWait_DuplicateSequence(t *testing.T) {
	c := connectedClient(t, 500*time.Millisecond)

	seq := c.AllocateSequence()
	frame, err := c.Encode(seq, body("silent").request())
	require.NoError(t, err)

	g := errgroup.Group{}
	g.Go(func() error {
		_, err := c.SendAndWait(context.Background(), frame, seq, 0)
		return err
	})
	time.Sleep(50 * time.Millisecond)
	_, err = c.SendAndWait(context.Background(), frame, seq, 0)
	assert.ErrorIs(t, err, ErrSequenceInFlight)
	assert.ErrorIs(t, g.Wait(), ErrTimeout)
}

func TestClient_Close(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		c := newTestClient(t, "127.0.0.1:1", time.Second)
		res := c.Close()
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, "client released", res.Message)
		assert.Empty(t, res.Conn.RemoteAddr)
	})

	t.Run("after traffic", func(t *testing.T) {
		c := connectedClient(t, time.Second)
		require.True(t, Do[string](context.Background(), c, body("ping"), stringParser{}).OK())

		first := c.Close()
		assert.Equal(t, StatusOK, first.Status)
		assert.Equal(t, uint64(1), first.Conn.FramesSent)
		assert.Equal(t, uint64(1), first.Conn.FramesReceived)
		assert.False(t, c.Connected())

		second := c.Close()
		assert.Equal(t, first, second)
	})
}

func (r rawRequest) request() Request {
	req, _ := r.BuildRequest(nil)
	return req
}
