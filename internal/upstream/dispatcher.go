// Package upstream forwards a DNS message to the configured upstream over
// UDP, TCP, DoT, or DoH and returns the raw response bytes. It is grounded
// on two corpus patterns: miekg/dns's dns.Client for the UDP/TCP/DoT legs
// (used the same way across the DNS example repos), and the bavix-outway
// exchangeDoH pattern for the DoH leg (POST application/dns-message, Accept
// header).
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"

	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// Default per-transport timeouts, overridable via configuration and clamped
// to a 250ms floor.
const (
	DefaultUDPTimeout = 2000 * time.Millisecond
	DefaultTCPTimeout = 4000 * time.Millisecond
	DefaultDoTTimeout = 4000 * time.Millisecond
	DefaultDoHTimeout = 15000 * time.Millisecond

	minTimeout = 250 * time.Millisecond
)

// Sentinel errors returned by Forward, matching the taxonomy in the error
// handling design: the pipeline only needs to distinguish "ran out of time"
// from "something else went wrong."
const (
	ErrUpstreamTimeout   errors.Error = "upstream timeout"
	ErrUpstreamIO        errors.Error = "upstream io error"
	ErrUpstreamTransport errors.Error = "upstream transport error"
)

// HTTPError wraps a non-200 DoH response, carrying the status code the
// pipeline needs for telemetry ("UPSTREAM_HTTP_<code>").
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("UPSTREAM_HTTP_%d", e.Code)
}

// Dispatcher forwards raw DNS messages to one configured upstream.
type Dispatcher struct {
	cfg policy.UpstreamConfig

	bootstrap *bootstrapResolver

	mu          sync.Mutex
	httpClients map[bool]*http.Client // keyed by preferIPv4
}

// New builds a Dispatcher for cfg, resolving hostnames (for DoT/DoH) via
// bootstrap when set.
func New(cfg policy.UpstreamConfig, settings policy.DNSSettings) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		bootstrap:   newBootstrapResolver(settings.Bootstrap, settings.PreferIPv4),
		httpClients: map[bool]*http.Client{},
	}
}

// Forward sends msg (already serialized to wire format) to the upstream and
// returns the raw response bytes. deadline bounds the whole call.
func (d *Dispatcher) Forward(ctx context.Context, msg []byte, deadline time.Time) ([]byte, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	switch d.cfg.Kind {
	case policy.UpstreamTCP:
		return d.forwardStream(ctx, msg, "tcp", false)
	case policy.UpstreamDoT:
		return d.forwardStream(ctx, msg, "tcp", true)
	case policy.UpstreamDoH:
		return d.forwardDoH(ctx, msg, d.cfg.URL, d.bootstrap.preferIPv4)
	default:
		return d.forwardUDP(ctx, msg)
	}
}

func (d *Dispatcher) addr() string {
	port := d.cfg.Port
	if port == 0 {
		port = 53
	}

	return fmt.Sprintf("%s:%d", d.cfg.Host, port)
}

func (d *Dispatcher) forwardUDP(ctx context.Context, msg []byte) ([]byte, error) {
	c := &dns.Client{Net: "udp", Dialer: d.bootstrap.dialer(d.bootstrap.preferIPv4)}

	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return nil, errors.Annotate(err, "upstream: decoding outgoing message: %w")
	}

	resp, _, err := c.ExchangeContext(ctx, m, d.addr())

	return packOrErr(resp, err)
}

func (d *Dispatcher) forwardStream(ctx context.Context, msg []byte, network string, tlsWrap bool) ([]byte, error) {
	c := &dns.Client{Net: network, Dialer: d.bootstrap.dialer(d.bootstrap.preferIPv4)}
	if tlsWrap {
		c.Net = "tcp-tls"
		c.TLSConfig = &tls.Config{ServerName: d.cfg.Host, MinVersion: tls.VersionTLS12}
	}

	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return nil, errors.Annotate(err, "upstream: decoding outgoing message: %w")
	}

	resp, _, err := c.ExchangeContext(ctx, m, d.addr())

	return packOrErr(resp, err)
}

func packOrErr(resp *dns.Msg, err error) ([]byte, error) {
	if err != nil {
		if ctxErrIsTimeout(err) {
			return nil, ErrUpstreamTimeout
		}

		return nil, errors.Annotate(ErrUpstreamIO, "%s: %w", err)
	}

	if resp == nil {
		return nil, ErrUpstreamIO
	}

	return resp.Pack()
}

func ctxErrIsTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return err == context.DeadlineExceeded
}

// forwardDoH POSTs msg as application/dns-message. On a non-timeout,
// non-HTTP error it performs exactly one retry with the opposite address
// family ordering, budgeted within whatever deadline remains (floor
// minTimeout), mirroring the "one retry using the default ordering" rule.
func (d *Dispatcher) forwardDoH(ctx context.Context, msg []byte, url string, preferIPv4 bool) ([]byte, error) {
	client := d.httpClientFor(preferIPv4)

	resp, err := doHExchange(ctx, client, url, msg)
	if err == nil {
		return resp, nil
	}

	if ctxErrIsTimeout(err) {
		return nil, ErrUpstreamTimeout
	}
	if _, isHTTP := err.(*HTTPError); isHTTP {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		remaining := time.Until(dl)
		if remaining < minTimeout {
			return nil, errors.Annotate(ErrUpstreamTransport, "%s: %w", err)
		}
	}

	retryClient := d.httpClientFor(!preferIPv4)
	resp, retryErr := doHExchange(ctx, retryClient, url, msg)
	if retryErr != nil {
		if ctxErrIsTimeout(retryErr) {
			return nil, ErrUpstreamTimeout
		}

		return nil, errors.Annotate(ErrUpstreamTransport, "%s: %w", retryErr)
	}

	return resp, nil
}

func doHExchange(ctx context.Context, client *http.Client, url string, msg []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Code: httpResp.StatusCode}
	}

	return io.ReadAll(httpResp.Body)
}

// httpClientFor returns the shared, keep-alive HTTP client for the given
// address-family preference, creating it on first use. Clients are reused
// across queries so DoH connections are pooled, per "Connection reuse".
func (d *Dispatcher) httpClientFor(preferIPv4 bool) *http.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.httpClients[preferIPv4]; ok {
		return c
	}

	transport := &http.Transport{
		DialContext:         d.bootstrap.dialer(preferIPv4).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     30 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}

	// Most public DoH resolvers speak HTTP/2; upgrade the pooled transport
	// so a single connection can carry concurrent queries.
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Debug("upstream: http2 not available for DoH transport: %s", err)
	}

	c := &http.Client{Transport: transport}
	d.httpClients[preferIPv4] = c

	return c
}

// ClampTimeout enforces the 250ms floor on any configured per-transport
// timeout override.
func ClampTimeout(d time.Duration) time.Duration {
	if d < minTimeout {
		return minTimeout
	}

	return d
}
