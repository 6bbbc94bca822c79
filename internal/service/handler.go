// Package service implements the per-connection interception logic and the
// listener that feeds it.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"ua-rewrite-proxy/internal/client"
	"ua-rewrite-proxy/internal/config"
	"ua-rewrite-proxy/internal/httphead"
	"ua-rewrite-proxy/internal/metrics"
	"ua-rewrite-proxy/internal/model"
	"ua-rewrite-proxy/internal/origdst"
	"ua-rewrite-proxy/internal/relay"
)

// Dialer opens the upstream side of a connection.
type Dialer interface {
	Dial(ctx context.Context, dst model.Destination) (*client.Link, error)
}

// HandlerOptions holds the read-only per-connection limits.
type HandlerOptions struct {
	HeaderLimit   int
	HeaderTimeout time.Duration
	WriteTimeout  time.Duration
	Rewrite       httphead.RewriterOptions
	Relay         relay.Options
}

// OptionsFromConfig derives HandlerOptions from the configuration snapshot.
func OptionsFromConfig(cfg *config.Config) HandlerOptions {
	return HandlerOptions{
		HeaderLimit:   cfg.Limits.HeaderMaxBytes,
		HeaderTimeout: cfg.Limits.HeaderTimeout(),
		WriteTimeout:  cfg.Relay.WriteTimeout(),
		Rewrite: httphead.RewriterOptions{
			Header:        cfg.Rewrite.Header,
			Value:         cfg.Rewrite.Value,
			Keep:          cfg.Rewrite.KeepValues,
			MaxValueBytes: cfg.Rewrite.MaxValueBytes,
		},
		Relay: relay.Options{
			BufferSize:   cfg.Relay.BufferBytes,
			IdleTimeout:  cfg.Relay.IdleTimeout(),
			WriteTimeout: cfg.Relay.WriteTimeout(),
		},
	}
}

// Handler drives one client connection at a time through
// resolving → awaiting header → forwarding → relaying. A single Handler
// serves every connection; all per-connection state lives in Serve.
type Handler struct {
	opts     HandlerOptions
	resolver origdst.Resolver
	dialer   Dialer
	rewriter *httphead.Rewriter
	pump     *relay.Pump
	metrics  *metrics.Metrics
	logger   *slog.Logger

	nextID atomic.Uint64
	active atomic.Int64
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions, resolver origdst.Resolver, dialer Dialer, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		opts:     opts,
		resolver: resolver,
		dialer:   dialer,
		rewriter: httphead.NewRewriter(opts.Rewrite),
		pump:     relay.New(opts.Relay),
		metrics:  m,
		logger:   logger.With("component", "conn_handler"),
	}
}

// Active returns the number of connections currently being served.
func (h *Handler) Active() int64 { return h.active.Load() }

// connection is the state owned by a single Serve call.
type connection struct {
	id     uint64
	client net.Conn
	dst    model.Destination
	state  model.State
	start  time.Time
	up     int64
	down   int64
	log    *slog.Logger
}

// transition moves c to s. A connection that has closed or aborted stays
// in that state.
func (c *connection) transition(s model.State) bool {
	if c.state.Terminal() {
		c.log.Debug("transition after end ignored", "state", c.state.String(), "to", s.String())
		return false
	}
	c.log.Debug("state", "from", c.state.String(), "to", s.String())
	c.state = s
	return true
}

type dialResult struct {
	link *client.Link
	err  error
}

// Serve handles conn until both relay directions end or the connection is
// aborted. It always closes conn. Cancelling ctx terminates the connection.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	h.active.Add(1)
	h.metrics.ConnectionsActive.Inc()
	defer func() {
		h.active.Add(-1)
		h.metrics.ConnectionsActive.Dec()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	c := &connection{
		id:     h.nextID.Add(1),
		client: conn,
		state:  model.StateResolving,
		start:  time.Now(),
	}
	c.log = h.logger.With("conn_id", c.id, "client", conn.RemoteAddr().String())

	dst, err := h.resolver.Resolve(conn)
	if err != nil {
		h.abort(c, model.CauseResolution, err)
		return
	}
	c.dst = dst
	c.log = c.log.With("dst", dst.String())

	// The header deadline is armed before the dial starts so a failed dial
	// can cut the header wait short without being overwritten.
	if h.opts.HeaderTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.HeaderTimeout))
	}
	var dialFailed atomic.Bool
	dialed := make(chan dialResult, 1)
	go func() {
		link, err := h.dialer.Dial(ctx, dst)
		if err != nil {
			dialFailed.Store(true)
			_ = conn.SetReadDeadline(time.Now())
		}
		dialed <- dialResult{link, err}
	}()

	c.transition(model.StateAwaitingHeader)
	res, readErr := httphead.ReadHead(conn, h.opts.HeaderLimit)
	_ = conn.SetReadDeadline(time.Time{})

	if readErr != nil && (len(res.Buffered) == 0 || !errors.Is(readErr, io.EOF)) {
		cancel()
		r := <-dialed
		if r.link != nil {
			_ = r.link.Close()
		}
		switch {
		case dialFailed.Load():
			h.abort(c, model.CauseUpstreamUnreachable, r.err)
		case errors.Is(readErr, io.EOF):
			c.transition(model.StateClosed)
			c.log.Debug("client closed before sending data")
		case errors.Is(readErr, os.ErrDeadlineExceeded):
			h.abort(c, model.CauseHeaderTimeout, readErr)
		default:
			h.abort(c, model.CauseIO, readErr)
		}
		return
	}

	r := <-dialed
	if r.err != nil {
		h.abort(c, model.CauseUpstreamUnreachable, r.err)
		return
	}
	link := r.link
	defer link.Close()

	c.transition(model.StateForwarding)
	block, rest, outcome := h.prepare(c, res)
	n, err := link.Forward(h.opts.WriteTimeout, block, rest)
	c.up += n
	if err != nil {
		h.abort(c, model.CauseIO, err)
		return
	}

	c.transition(model.StateRelaying)
	stats, err := h.pump.Run(ctx, conn, link.Conn)
	c.up += stats.Upstream
	c.down += stats.Downstream
	h.metrics.Relayed(n+stats.Upstream, stats.Downstream)
	if err != nil {
		h.abort(c, model.CauseIO, err)
		return
	}

	c.transition(model.StateClosed)
	c.log.Info("connection closed",
		"outcome", outcome,
		"bytes_up", c.up,
		"bytes_down", c.down,
		"duration_ms", time.Since(c.start).Milliseconds(),
	)
}

// prepare decides what to send upstream first: the rewritten or original
// header block plus any bytes already read past it.
func (h *Handler) prepare(c *connection, res httphead.Result) (block, rest []byte, outcome string) {
	var reason model.PassthroughReason
	switch res.Status {
	case httphead.Complete:
		out := h.rewriter.Rewrite(res.Head)
		block, rest = out.Block, res.Buffered[res.Head.Len():]
		if out.Rewritten {
			h.metrics.RequestsRewritten.Inc()
			c.log.Debug("header rewritten",
				"header", h.rewriter.Header(),
				"method", string(res.Head.Method),
				"previous", string(out.Previous),
			)
			return block, rest, "rewritten"
		}
		reason = out.Reason
	case httphead.TooLarge:
		block, reason = res.Buffered, model.PassTooLarge
	case httphead.NotHTTP:
		block, reason = res.Buffered, model.PassNotHTTP
	default:
		block, reason = res.Buffered, model.PassIncomplete
	}
	h.metrics.PassedThrough(reason)
	c.log.Debug("passthrough", "reason", string(reason), "buffered", len(res.Buffered))
	return block, rest, "passthrough_" + string(reason)
}

// abort moves c to the aborted state. The deferred close in Serve releases
// the client socket; no bytes are ever synthesized towards the client.
func (h *Handler) abort(c *connection, cause model.AbortCause, err error) {
	c.transition(model.StateAborted)
	h.metrics.Aborted(cause)
	c.log.Warn("connection aborted",
		"cause", string(cause),
		"err", err,
		"bytes_up", c.up,
		"bytes_down", c.down,
		"duration_ms", time.Since(c.start).Milliseconds(),
	)
}
