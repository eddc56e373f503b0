// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport defines the contract between the request executor and
// whatever answers its requests, plus the pooled HTTP implementation.
//
// The executor never touches net/http directly. It hands a Request to a
// Transport and reads back a status, headers and a body. The live client uses
// HTTP; the mock backend implements the same interface in memory, so retry,
// rate limiting and stream decoding behave identically in both modes.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by RoundTrip after Close.
var ErrClosed = errors.New("transport: closed")

// Request is one attempt of an operation.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	// Stream marks a request whose response body is read incrementally.
	Stream bool
}

// Response is the raw answer to a Request. The caller owns Body and must
// close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport performs single request attempts. Implementations must be safe
// for concurrent use.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// =============================================================================
// POOL CONFIGURATION
// =============================================================================

// PoolConfig sizes the HTTP connection pool.
type PoolConfig struct {
	MaxIdleConns        int           `toml:"max_idle_conns"`          // default 100
	MaxIdleConnsPerHost int           `toml:"max_idle_conns_per_host"` // default 10
	MaxConnsPerHost     int           `toml:"max_conns_per_host"`      // default 0, unlimited
	IdleConnTimeout     time.Duration `toml:"idle_conn_timeout"`       // default 90s
	DialTimeout         time.Duration `toml:"dial_timeout"`            // default 10s
	KeepAlive           time.Duration `toml:"keep_alive"`              // default 30s
}

// DefaultPoolConfig returns the pool settings used when none are given.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
	}
}

func (c *PoolConfig) setDefaults() {
	d := DefaultPoolConfig()
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = d.IdleConnTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = d.KeepAlive
	}
}

// =============================================================================
// HTTP TRANSPORT
// =============================================================================

// HTTP sends requests to a live server over a dedicated connection pool.
type HTTP struct {
	baseURL   string
	transport *http.Transport
	client    *http.Client
	closed    atomic.Bool
}

// NewHTTP creates a transport for baseURL (scheme and host, optional path
// prefix). The pool belongs to the returned transport and is released by
// Close.
func NewHTTP(baseURL string, pool PoolConfig) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: missing host", baseURL)
	}

	pool.setDefaults()
	dialer := &net.Dialer{
		Timeout:   pool.DialTimeout,
		KeepAlive: pool.KeepAlive,
	}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          pool.MaxIdleConns,
		MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:       pool.MaxConnsPerHost,
		IdleConnTimeout:       pool.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &HTTP{
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: t,
		// No client timeout: attempts are bounded by their context so that
		// streaming bodies can outlive the header deadline.
		client: &http.Client{Transport: t},
	}, nil
}

// BaseURL returns the server address requests are sent to.
func (h *HTTP) BaseURL() string { return h.baseURL }

// RoundTrip sends req and returns the response once headers have arrived.
func (h *HTTP) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, h.baseURL+req.Path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Close releases idle pooled connections. Later calls fail with ErrClosed.
func (h *HTTP) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.transport.CloseIdleConnections()
	return nil
}

// maxDrain bounds how much of an unread body is consumed to keep the
// connection reusable.
const maxDrain = 64 << 10

// DrainAndClose discards what is left of r and closes it, so the underlying
// connection can return to the pool.
func DrainAndClose(r io.ReadCloser) {
	if r == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, r, maxDrain)
	_ = r.Close()
}

// IsConnectionError reports whether err means the server could not be
// reached or dropped the connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
