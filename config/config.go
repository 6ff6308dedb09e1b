package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/mk6i/open-oicq-client/state"
)

var (
	// Simple error for a proxy paired with a datagram endpoint
	errProxyNeedsTCP = errors.New("proxy is only supported for tcp:// endpoints")
	// Simple error for unusable numeric settings
	errNonPositive = errors.New("value must be positive")
)

// Custom error types for URI-related errors
type uriFormatError struct {
	URI    string
	Err    error
	Format string
}

func (e uriFormatError) Error() string {
	return fmt.Sprintf("invalid URI %q: %v. Valid format: %s", e.URI, e.Err, e.Format)
}

func (e uriFormatError) Unwrap() error {
	return e.Err
}

const (
	endpointFormat = "SCHEME://HOST:PORT where SCHEME is tcp or kcp (e.g., tcp://msfwifi.3g.qq.com:8080)"
	proxyFormat    = "socks5://[USER:PASS@]HOST:PORT (e.g., socks5://127.0.0.1:1080)"
)

// Endpoint is a parsed server address.
type Endpoint struct {
	// Network is "tcp" or "kcp".
	Network string
	// Address is HOST:PORT.
	Address string
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Address
}

type Config struct {
	ServerURI      string        `envconfig:"OICQ_SERVER" required:"true" default:"tcp://msfwifi.3g.qq.com:8080" description:"Address of the mobile QQ gateway.\n\nFormat: [SCHEME]://[HOSTNAME]:[PORT]\n\t- tcp dials a plain TCP socket\n\t- kcp dials a KCP session over UDP\n\nExamples:\n\ttcp://msfwifi.3g.qq.com:8080\n\tkcp://127.0.0.1:4000"`
	ProxyURI       string        `envconfig:"OICQ_PROXY" required:"false" description:"Optional SOCKS5 proxy used to reach OICQ_SERVER. Only applies to tcp:// endpoints.\n\nFormat: socks5://[USER:PASS@]HOST:PORT"`
	ClientType     string        `envconfig:"OICQ_CLIENT_TYPE" required:"true" default:"QQ" description:"Client flavor to impersonate. Possible values: 'QQ', 'QQ_old', 'Watch'."`
	DialTimeout    time.Duration `envconfig:"OICQ_DIAL_TIMEOUT" required:"false" default:"10s" description:"Upper bound for establishing the connection."`
	RequestTimeout time.Duration `envconfig:"OICQ_REQUEST_TIMEOUT" required:"false" default:"3s" description:"How long a request waits for its response before giving up."`
	WriteTimeout   time.Duration `envconfig:"OICQ_WRITE_TIMEOUT" required:"false" default:"5s" description:"Deadline applied to each socket write."`
	MaxFrameSize   int           `envconfig:"OICQ_MAX_FRAME_SIZE" required:"false" default:"4194304" description:"Largest frame in bytes accepted from or sent to the server."`
	SendRate       float64       `envconfig:"OICQ_SEND_RATE" required:"false" default:"0" description:"Outbound frames per second. 0 disables rate limiting."`
	SendBurst      int           `envconfig:"OICQ_SEND_BURST" required:"false" default:"1" description:"Number of frames that may be sent back to back before OICQ_SEND_RATE applies."`
	LogLevel       string        `envconfig:"LOG_LEVEL" required:"true" default:"info" description:"Set logging granularity. Possible values: 'trace', 'debug', 'info', 'warn', 'error'."`
}

// Endpoint parses ServerURI.
func (c *Config) Endpoint() (Endpoint, error) {
	uriStr := strings.TrimSpace(c.ServerURI)
	u, err := url.Parse(uriStr)
	if err != nil {
		return Endpoint{}, uriFormatError{URI: uriStr, Err: err, Format: endpointFormat}
	}
	switch {
	case u.Scheme == "":
		return Endpoint{}, uriFormatError{URI: uriStr, Err: errors.New("missing scheme"), Format: endpointFormat}
	case u.Scheme != "tcp" && u.Scheme != "kcp":
		return Endpoint{}, uriFormatError{URI: uriStr, Err: fmt.Errorf("unsupported scheme %q", u.Scheme), Format: endpointFormat}
	case u.Hostname() == "":
		return Endpoint{}, uriFormatError{URI: uriStr, Err: errors.New("missing host"), Format: endpointFormat}
	case u.Port() == "":
		return Endpoint{}, uriFormatError{URI: uriStr, Err: errors.New("missing port"), Format: endpointFormat}
	}
	return Endpoint{
		Network: u.Scheme,
		Address: net.JoinHostPort(u.Hostname(), u.Port()),
	}, nil
}

// Proxy parses ProxyURI. It returns nil when no proxy is configured.
func (c *Config) Proxy() (*url.URL, error) {
	uriStr := strings.TrimSpace(c.ProxyURI)
	if uriStr == "" {
		return nil, nil
	}
	u, err := url.Parse(uriStr)
	if err != nil {
		return nil, uriFormatError{URI: uriStr, Err: err, Format: proxyFormat}
	}
	switch {
	case u.Scheme != "socks5":
		return nil, uriFormatError{URI: uriStr, Err: fmt.Errorf("unsupported scheme %q", u.Scheme), Format: proxyFormat}
	case u.Hostname() == "":
		return nil, uriFormatError{URI: uriStr, Err: errors.New("missing host"), Format: proxyFormat}
	case u.Port() == "":
		return nil, uriFormatError{URI: uriStr, Err: errors.New("missing port"), Format: proxyFormat}
	}
	return u, nil
}

func (c *Config) Validate() error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}

	proxyURL, err := c.Proxy()
	if err != nil {
		return err
	}
	if proxyURL != nil && endpoint.Network != "tcp" {
		return errProxyNeedsTCP
	}

	if _, err := state.ParseClientType(c.ClientType); err != nil {
		return fmt.Errorf("invalid OICQ_CLIENT_TYPE: %w", err)
	}

	switch {
	case c.DialTimeout <= 0:
		return fmt.Errorf("invalid OICQ_DIAL_TIMEOUT %s: %w", c.DialTimeout, errNonPositive)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("invalid OICQ_REQUEST_TIMEOUT %s: %w", c.RequestTimeout, errNonPositive)
	case c.WriteTimeout <= 0:
		return fmt.Errorf("invalid OICQ_WRITE_TIMEOUT %s: %w", c.WriteTimeout, errNonPositive)
	case c.MaxFrameSize <= 0:
		return fmt.Errorf("invalid OICQ_MAX_FRAME_SIZE %d: %w", c.MaxFrameSize, errNonPositive)
	case c.SendRate < 0:
		return fmt.Errorf("invalid OICQ_SEND_RATE %v: must not be negative", c.SendRate)
	case c.SendRate > 0 && c.SendBurst <= 0:
		return fmt.Errorf("invalid OICQ_SEND_BURST %d: %w", c.SendBurst, errNonPositive)
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q. Possible values: 'trace', 'debug', 'info', 'warn', 'error'", c.LogLevel)
	}

	return nil
}
