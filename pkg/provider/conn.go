package provider

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pario-ai/chatrelay/pkg/config"
	"github.com/pario-ai/chatrelay/pkg/pool"
)

// Conn is one pooled connection to the provider. Each Conn owns a
// transport limited to a single TCP connection per host, so checking out a
// Conn means checking out that socket.
type Conn struct {
	id        int64
	baseURL   string
	pingURL   string
	auth      func(*http.Request)
	transport *http.Transport
	client    *http.Client
}

// NewConn builds a connection for cfg. The socket is dialed on first use.
func NewConn(cfg config.ProviderConfig, id int64) *Conn {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1,
		MaxIdleConnsPerHost:   1,
		MaxConnsPerHost:       1,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Conn{
		id:        id,
		baseURL:   cfg.URL,
		pingURL:   cfg.URL + cfg.PingPath,
		auth:      authenticator(cfg),
		transport: transport,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

// Dialer returns a pool factory producing connections for cfg.
func Dialer(cfg config.ProviderConfig) pool.Factory[*Conn] {
	return func(_ context.Context, id int64) (*Conn, error) {
		return NewConn(cfg, id), nil
	}
}

// ID returns the pool-assigned connection id.
func (c *Conn) ID() int64 {
	return c.id
}

// Ping issues a lightweight GET to keep the socket warm. Any HTTP status
// means the connection is alive.
func (c *Conn) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL, nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	c.auth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Close drops the underlying socket.
func (c *Conn) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *Conn) do(req *http.Request) (*http.Response, error) {
	c.auth(req)
	return c.client.Do(req)
}

func authenticator(cfg config.ProviderConfig) func(*http.Request) {
	if cfg.Type == config.ProviderAzure {
		return func(r *http.Request) {
			if cfg.APIKey != "" {
				r.Header.Set("api-key", cfg.APIKey)
			}
		}
	}
	return func(r *http.Request) {
		if cfg.APIKey != "" {
			r.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}
	}
}
