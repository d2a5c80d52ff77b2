package transport

import (
	"context"
	"time"
)

// Backoff yields exponentially growing reconnect delays between Min and
// Max.
type Backoff struct {
	Min, Max time.Duration
	next     time.Duration
}

// Next returns the next delay.
func (b *Backoff) Next() time.Duration {
	if b.next < b.Min {
		b.next = b.Min
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset restarts the sequence at Min. Call it after a successful connect.
func (b *Backoff) Reset() { b.next = 0 }

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
