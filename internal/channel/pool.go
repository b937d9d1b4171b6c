package channel

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// Pool reuses idle channels. Closing a channel obtained from the pool hands it
// back instead of tearing it down, unless a request on it failed. A new channel
// is only opened when no idle one exists, so the number of open channels never
// exceeds the peak number of concurrent holders.
//
// The service may drop a connection while it sits idle. When the first request
// on a reused channel fails with a connection error, the stale channel is
// closed and the request is sent once more on a freshly opened one.
type Pool struct {
	opener Opener
	logger *slog.Logger

	mu     sync.Mutex
	idle   []Channel
	closed bool
}

// NewPool wraps opener.
func NewPool(opener Opener, logger *slog.Logger) *Pool {
	return &Pool{
		opener: opener,
		logger: logger,
	}
}

// Open returns an idle channel or opens a new one.
func (p *Pool) Open(ctx context.Context) (Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errkind.New(errkind.Connection, "open", "pool is closed")
	}
	if n := len(p.idle); n > 0 {
		ch := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &pooledChannel{pool: p, ch: ch, reused: true}, nil
	}
	p.mu.Unlock()

	ch, err := p.opener.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledChannel{pool: p, ch: ch}, nil
}

// Idle is the number of channels waiting for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle channel. Channels still held are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, ch := range idle {
		err = multierr.Append(err, ch.Close())
	}
	return err
}

func (p *Pool) put(ch Channel, failed bool) error {
	if h, ok := ch.(interface{ Healthy() bool }); ok && !h.Healthy() {
		failed = true
	}
	p.mu.Lock()
	if failed || p.closed {
		p.mu.Unlock()
		return ch.Close()
	}
	p.idle = append(p.idle, ch)
	p.mu.Unlock()
	return nil
}

type pooledChannel struct {
	pool   *Pool
	ch     Channel
	reused bool // came from the idle list and has not answered yet
	failed bool
	once   sync.Once
}

func (c *pooledChannel) Request(ctx context.Context, req Request) (Response, error) {
	resp, err := c.ch.Request(ctx, req)
	if err != nil && c.reused && errkind.Is(err, errkind.Connection) && ctx.Err() == nil {
		c.pool.logger.Debug("idle channel went stale, reopening", "error", err)
		if cerr := c.ch.Close(); cerr != nil {
			c.pool.logger.Debug("failed to close stale channel", "error", cerr)
		}
		fresh, oerr := c.pool.opener.Open(ctx)
		if oerr != nil {
			c.failed = true
			return nil, oerr
		}
		c.ch = fresh
		resp, err = c.ch.Request(ctx, req)
	}
	c.reused = false
	if err != nil {
		c.failed = true
	}
	return resp, err
}

func (c *pooledChannel) Close() error {
	var err error
	c.once.Do(func() {
		err = c.pool.put(c.ch, c.failed)
	})
	return err
}
