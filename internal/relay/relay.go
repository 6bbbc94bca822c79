// Package relay copies bytes between a client and its upstream until both
// directions have ended.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrIdle is returned when neither direction carried data for the idle timeout.
var ErrIdle = errors.New("relay idle timeout")

// DefaultBufferSize is used when Options.BufferSize is zero.
const DefaultBufferSize = 16 << 10

// Options tunes a Pump.
type Options struct {
	// BufferSize is the per-direction copy buffer. Memory per connection is twice this.
	BufferSize int
	// IdleTimeout ends the relay after no traffic in either direction. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds each write to a slow peer. Zero disables it.
	WriteTimeout time.Duration
}

// Stats counts bytes relayed in each direction.
type Stats struct {
	Upstream   int64 // client to upstream
	Downstream int64 // upstream to client
}

// Pump is a duplex byte pump. It keeps no per-connection state and may be
// shared by every connection handler.
type Pump struct {
	opts Options
	pool sync.Pool
}

// New creates a Pump.
func New(opts Options) *Pump {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	p := &Pump{opts: opts}
	p.pool.New = func() any {
		b := make([]byte, p.opts.BufferSize)
		return &b
	}
	return p
}

// Run copies client→upstream and upstream→client concurrently. When one
// direction reaches end-of-stream its destination is half-closed and the
// other direction keeps running. Any other failure, or cancellation of ctx,
// closes both connections so the remaining direction stops promptly.
// Run does not close the connections on success; the caller owns them.
func (p *Pump) Run(ctx context.Context, client, upstream net.Conn) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	var (
		stats Stats
		errs  [2]error
		act   activity
		wg    sync.WaitGroup
	)
	act.touch()

	wg.Add(2)
	go func() {
		defer wg.Done()
		stats.Upstream, errs[0] = p.pipe(upstream, client, &act, cancel)
		if errs[0] != nil {
			errs[0] = fmt.Errorf("client->upstream: %w", errs[0])
		}
	}()
	go func() {
		defer wg.Done()
		stats.Downstream, errs[1] = p.pipe(client, upstream, &act, cancel)
		if errs[1] != nil {
			errs[1] = fmt.Errorf("upstream->client: %w", errs[1])
		}
	}()
	wg.Wait()

	return stats, errors.Join(errs[0], errs[1])
}

// pipe copies src to dst until EOF or failure.
func (p *Pump) pipe(dst, src net.Conn, act *activity, cancel context.CancelFunc) (int64, error) {
	bufp := p.pool.Get().(*[]byte)
	defer p.pool.Put(bufp)

	r := &idleReader{conn: src, idle: p.opts.IdleTimeout, act: act}
	w := &deadlineWriter{conn: dst, timeout: p.opts.WriteTimeout, act: act}
	n, err := io.CopyBuffer(w, r, *bufp)
	if err == nil {
		closeWrite(dst)
		return n, nil
	}

	cancel()
	if isPeerGone(err) {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && r.expired {
		return n, ErrIdle
	}
	return n, err
}

// closeWrite half-closes dst. Transports without half-close are closed
// entirely so the peer still observes end-of-stream.
func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// activity records the last time either direction moved data.
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() { a.last.Store(time.Now().UnixNano()) }

func (a *activity) since() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}

// idleReader extends its read deadline while the other direction is active,
// so a long download with a silent client is not cut off.
type idleReader struct {
	conn    net.Conn
	idle    time.Duration
	act     *activity
	expired bool
}

func (r *idleReader) Read(p []byte) (int, error) {
	for {
		if r.idle > 0 {
			if err := r.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
				return 0, err
			}
		}
		n, err := r.conn.Read(p)
		if n > 0 {
			r.act.touch()
		}
		if n == 0 && r.idle > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			if r.act.since() < r.idle {
				continue
			}
			r.expired = true
		}
		return n, err
	}
}

type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
	act     *activity
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := w.conn.Write(p)
	if n > 0 {
		w.act.touch()
	}
	return n, err
}
