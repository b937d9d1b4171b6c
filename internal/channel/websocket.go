package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/bdougie/visionbatch/internal/errkind"
)

// WebsocketDialer opens one websocket connection per channel.
type WebsocketDialer struct {
	uri    string
	opts   Options
	logger *slog.Logger
}

// NewWebsocketDialer creates a dialer for the service at uri.
func NewWebsocketDialer(uri string, opts Options, logger *slog.Logger) *WebsocketDialer {
	return &WebsocketDialer{
		uri:    uri,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Open dials the service.
func (d *WebsocketDialer) Open(ctx context.Context) (Channel, error) {
	conn, _, err := websocket.Dial(ctx, d.uri, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errkind.Wrap(errkind.Timeout, "dial "+d.uri, err)
		}
		return nil, errkind.Wrap(errkind.Connection, "dial "+d.uri, err)
	}
	conn.SetReadLimit(d.opts.MaxMessageSize)
	d.logger.Debug("channel opened", "uri", d.uri)
	return &wsChannel{
		conn:   conn,
		slots:  make(chan struct{}, d.opts.MaxQueueDepth),
		logger: d.logger,
	}, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	slots  chan struct{} // bounds callers queued on this connection
	mu     sync.Mutex    // one outstanding exchange at a time
	broken atomic.Bool
	once   sync.Once
	logger *slog.Logger
}

func (c *wsChannel) Request(ctx context.Context, req Request) (Response, error) {
	payload, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if c.broken.Load() {
		return nil, errkind.New(errkind.Connection, "request", "channel is broken")
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxErr("queue", ctx.Err())
	}
	defer func() { <-c.slots }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.broken.Store(true)
		return nil, transportErr(ctx, "send", err)
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.broken.Store(true)
		return nil, transportErr(ctx, "receive", err)
	}
	resp, err := DecodeResponse(data, req.ModelName())
	if err != nil {
		// The stream position is no longer trustworthy.
		c.broken.Store(true)
		return nil, err
	}
	return resp, nil
}

// Healthy reports whether the connection can serve another request.
func (c *wsChannel) Healthy() bool {
	return !c.broken.Load()
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		if c.broken.Load() {
			// Reads aborted by a deadline already tore the connection down.
			err = nil
		}
	})
	return err
}

func transportErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctxErr(op, ctx.Err())
	}
	return errkind.Wrap(errkind.Connection, op, err)
}

func ctxErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, op, err)
	}
	return errkind.Wrap(errkind.Connection, op, err)
}
