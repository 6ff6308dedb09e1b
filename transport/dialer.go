package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/xtaci/kcp-go"
	"golang.org/x/net/proxy"

	"github.com/mk6i/open-oicq-client/config"
)

// KCP session tuning. The gateway runs the session in stream mode with
// forward error correction enabled.
const (
	kcpDataShards   = 10
	kcpParityShards = 3
	kcpWindowSize   = 32
	kcpMTU          = 1280
)

// Dialer opens the byte stream a Conn runs over.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns the dialer for an endpoint. tcp endpoints are dialed
// directly, or through proxyURL when it is non-nil. kcp endpoints are dialed
// as KCP sessions over UDP and cannot be proxied.
func NewDialer(endpoint config.Endpoint, proxyURL *url.URL, timeout time.Duration) (Dialer, error) {
	direct := &net.Dialer{Timeout: timeout}

	switch endpoint.Network {
	case "tcp":
		if proxyURL == nil {
			return direct, nil
		}
		var auth *proxy.Auth
		if proxyURL.User != nil {
			pass, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("unable to create socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", proxyURL.Host)
		}
		return contextDialer{cd}, nil
	case "kcp":
		if proxyURL != nil {
			return nil, fmt.Errorf("kcp endpoint %s cannot be proxied", endpoint.Address)
		}
		return kcpDialer{}, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", endpoint.Network)
	}
}

type contextDialer struct {
	proxy.ContextDialer
}

func (d contextDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	return d.ContextDialer.DialContext(ctx, "tcp", address)
}

type kcpDialer struct{}

// DialContext opens a KCP session. Creating the session does not block on
// the network, so ctx is only checked before dialing.
func (kcpDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := kcp.DialWithOptions(address, nil, kcpDataShards, kcpParityShards)
	if err != nil {
		return nil, err
	}
	sess.SetStreamMode(true)
	sess.SetWindowSize(kcpWindowSize, kcpWindowSize)
	sess.SetNoDelay(1, 20, 1, 1)
	sess.SetMtu(kcpMTU)
	return sess, nil
}
