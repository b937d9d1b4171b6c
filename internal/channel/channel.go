package channel

import (
	"context"
)

const (
	// DefaultMaxMessageSize matches the service's 1 GiB frame limit.
	DefaultMaxMessageSize = 1024 * 1024 * 1024
	DefaultMaxQueueDepth  = 16
)

// Options tune a single channel.
type Options struct {
	MaxMessageSize int64
	MaxQueueDepth  int
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.MaxQueueDepth <= 0 {
		o.MaxQueueDepth = DefaultMaxQueueDepth
	}
	return o
}

// Channel is one request/response exchange with the inference service.
//
// Request returns a timeout error when ctx expires before the reply arrives,
// a protocol error when the reply cannot be decoded, and a connection error
// when the transport breaks. A Failure reply is returned as a value, not an
// error. Close is idempotent.
type Channel interface {
	Request(ctx context.Context, req Request) (Response, error)
	Close() error
}

// Opener opens channels. Implementations return a connection error when the
// endpoint is unreachable.
type Opener interface {
	Open(ctx context.Context) (Channel, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Channel, error)

func (f OpenerFunc) Open(ctx context.Context) (Channel, error) {
	return f(ctx)
}
