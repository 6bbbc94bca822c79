// Package client opens outbound connections to original destinations.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"ua-rewrite-proxy/internal/config"
	"ua-rewrite-proxy/internal/metrics"
	"ua-rewrite-proxy/internal/model"
)

// ErrUnreachable is returned when the upstream connect times out, is refused
// or fails with a network error.
var ErrUnreachable = errors.New("upstream unreachable")

// Connector dials original destinations with a bounded connect timeout.
type Connector struct {
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	timeout time.Duration
	noDelay bool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConnector creates a Connector from the upstream configuration.
// The metrics parameter is optional; pass nil to disable connect metrics recording.
func NewConnector(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Connector {
	noDelay := true
	if cfg.Upstream.NoDelay != nil {
		noDelay = *cfg.Upstream.NoDelay
	}
	dialer := &net.Dialer{KeepAlive: cfg.Upstream.KeepAlive()}
	return &Connector{
		dial:    dialer.DialContext,
		timeout: cfg.Upstream.ConnectTimeout(),
		noDelay: noDelay,
		logger:  logger.With("component", "upstream_connector"),
		metrics: m,
	}
}

// Dial opens a TCP connection to dst. The connect attempt is bounded by both
// ctx and the configured connect timeout. Failures wrap ErrUnreachable.
func (c *Connector) Dial(ctx context.Context, dst model.Destination) (*Link, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := c.dial(ctx, "tcp", dst.String())
	if c.metrics != nil {
		c.metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnreachable, dst, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(c.noDelay); err != nil {
			c.logger.Warn("set TCP_NODELAY", "dst", dst.String(), "err", err)
		}
	}

	c.logger.Debug("upstream connected",
		"dst", dst.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Link{Conn: conn, dst: dst}, nil
}

// Link is an established upstream connection.
type Link struct {
	net.Conn
	dst model.Destination
}

// Destination returns the address the link was dialed to.
func (l *Link) Destination() model.Destination { return l.dst }

// Forward writes the header block followed by any bytes the client already
// sent past it, in a single vectored write where the platform allows.
// A zero timeout leaves the write unbounded.
func (l *Link) Forward(timeout time.Duration, block, rest []byte) (int64, error) {
	if timeout > 0 {
		if err := l.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
		defer func() { _ = l.SetWriteDeadline(time.Time{}) }()
	}
	bufs := net.Buffers{block}
	if len(rest) > 0 {
		bufs = append(bufs, rest)
	}
	return bufs.WriteTo(l.Conn)
}
