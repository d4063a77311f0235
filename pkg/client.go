// client.go
package lxdops

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// DialerFunc builds the Dialer used for one connection attempt. tlsConfig is
// nil when the client has no TLS identity.
type DialerFunc func(tlsConfig *tls.Config) Dialer

// Client holds the transport configuration operations need to reach their
// websocket channel.
type Client struct {
	wsPath    string
	identity  *tls.Certificate
	Logger    *zap.Logger
	newDialer DialerFunc
}

type Option func(*Client) error

// WithClientCertificate presents the given PEM pair on every websocket dial.
func WithClientCertificate(certPEM, keyPEM []byte) Option {
	return func(c *Client) error {
		if len(certPEM) == 0 || len(keyPEM) == 0 {
			return ErrMissingCertificate
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		c.identity = &cert
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		c.Logger = logger
		return nil
	}
}

func WithDialer(fn DialerFunc) Option {
	return func(c *Client) error {
		c.newDialer = fn
		return nil
	}
}

func defaultDialer(tlsConfig *tls.Config) Dialer {
	return &websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
	}
}

// NewClient creates a Client for the websocket base path wsPath, for
// example "wss://lxd.example.com:8443/".
func NewClient(wsPath string, opts ...Option) (*Client, error) {
	c := &Client{
		wsPath:    wsPath,
		Logger:    zap.NewNop(),
		newDialer: defaultDialer,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.identity != nil {
		c.Logger.Warn("Client certificate configured, server certificate verification is disabled",
			zap.String("ws_path", wsPath))
	}

	return c, nil
}

func (c *Client) WebSocketPath() string {
	return c.wsPath
}

func (c *Client) HasIdentity() bool {
	return c.identity != nil
}

// TLSConfig returns the TLS settings used for websocket dials. Configuring a
// client identity also turns off verification of the server certificate.
func (c *Client) TLSConfig() *tls.Config {
	if c.identity == nil {
		return nil
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{*c.identity},
		InsecureSkipVerify: true,
	}
}

func (c *Client) NewOperation() *Operation {
	return NewOperation(c)
}

func (c *Client) dialer() Dialer {
	return c.newDialer(c.TLSConfig())
}

// WebSocketPath derives the websocket base path from the server's HTTP URL.
// The result always ends with a slash.
func WebSocketPath(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	scheme := "wss"
	switch u.Scheme {
	case "https", "wss":
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("missing host in base URL %q", baseURL)
	}

	path := strings.TrimSuffix(u.Path, "/") + "/"
	return fmt.Sprintf("%s://%s%s", scheme, u.Host, path), nil
}
