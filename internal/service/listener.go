package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ua-rewrite-proxy/internal/config"
	"ua-rewrite-proxy/internal/metrics"
	"ua-rewrite-proxy/internal/model"
	"ua-rewrite-proxy/internal/origdst"
)

// ErrCapacityExceeded is reported when a connection arrives while the
// connection ceiling is reached.
var ErrCapacityExceeded = errors.New("connection ceiling reached")

// errAcceptRate is reported when a connection arrives faster than the accept rate allows.
var errAcceptRate = errors.New("accept rate exceeded")

const maxAcceptDelay = time.Second

// Listener accepts redirected connections on every configured address and
// hands each one to the Handler in its own goroutine.
type Listener struct {
	handler *Handler
	addrs   []string
	lc      net.ListenConfig
	sem     *semaphore.Weighted
	limiter *rate.Limiter // nil when accept throttling is disabled
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
}

// NewListener creates a Listener from the server configuration.
func NewListener(cfg *config.Config, h *Handler, m *metrics.Metrics, logger *slog.Logger) *Listener {
	mode, err := origdst.ParseMode(cfg.Resolver.Mode)
	if err != nil {
		mode = origdst.ModeRedirect
	}

	var limiter *rate.Limiter
	if cfg.Server.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.AcceptRate), max(1, cfg.Server.AcceptBurst))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		handler: h,
		addrs:   cfg.Server.Addrs(),
		lc:      origdst.ListenConfig(mode, cfg.Upstream.KeepAlive()),
		sem:     semaphore.NewWeighted(int64(cfg.Server.MaxConnections)),
		limiter: limiter,
		metrics: m,
		logger:  logger.With("component", "listener"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds every address and begins accepting. Failing to bind any
// address releases the ones already bound and returns the error.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, addr := range l.addrs {
		ln, err := l.lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, bound := range l.listeners {
				_ = bound.Close()
			}
			l.listeners = nil
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		l.listeners = append(l.listeners, ln)
	}

	for _, ln := range l.listeners {
		l.logger.Info("accepting redirected connections", "addr", ln.Addr().String())
		l.wg.Add(1)
		go l.acceptLoop(ln)
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Active returns the number of connections currently being served.
func (l *Listener) Active() int64 { return l.handler.Active() }

// Stop closes the listeners, terminates every active connection and waits
// for their handlers to return or ctx to expire.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	for _, ln := range l.listeners {
		_ = ln.Close()
	}
	l.mu.Unlock()
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to close: %w", ctx.Err())
	}
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
				return
			}
			// Back off on errors such as EMFILE instead of spinning.
			delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
			l.logger.Warn("accept error", "addr", ln.Addr().String(), "err", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-l.ctx.Done():
				return
			}
			continue
		}
		delay = 0

		if reason, err := l.admit(); err != nil {
			l.metrics.Rejected(reason)
			l.logger.Debug("connection rejected",
				"client", conn.RemoteAddr().String(),
				"reason", string(reason),
				"err", err,
			)
			_ = conn.Close()
			continue
		}

		l.metrics.ConnectionsAccepted.Inc()
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.sem.Release(1)
			l.handler.Serve(l.ctx, conn)
		}()
	}
}

// admit reserves a connection slot without blocking.
func (l *Listener) admit() (model.RejectReason, error) {
	if l.limiter != nil && !l.limiter.Allow() {
		return model.RejectRate, errAcceptRate
	}
	if !l.sem.TryAcquire(1) {
		return model.RejectCapacity, ErrCapacityExceeded
	}
	return "", nil
}
