package capture

import (
	"context"

	"github.com/hazyhaar/tuoris/wire"
)

// Pusher delivers batches to the canonical store, in-process or over the
// ingress channel.
type Pusher interface {
	Push(ctx context.Context, b wire.Batch) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, b wire.Batch) error

// Push calls f.
func (f PusherFunc) Push(ctx context.Context, b wire.Batch) error { return f(ctx, b) }

// Gate is implemented by pushers with flow control. While Ready reports
// false the agent holds its records and folds them into the next batch.
type Gate interface {
	Ready() bool
}
