package fanout

import (
	"sync"

	"github.com/hazyhaar/tuoris/wire"
)

// Viewer is one subscribed consumer. Its payloads are read from Batches;
// the channel is closed when the viewer is unsubscribed.
type Viewer struct {
	id   string
	norm wire.Rect
	out  chan wire.Batch

	// Guarded by the hub mutex.
	seq    uint64
	resync bool

	once sync.Once
}

func newViewer(id string, norm wire.Rect, size int) *Viewer {
	return &Viewer{id: id, norm: norm, out: make(chan wire.Batch, size)}
}

// ID returns the viewer id.
func (v *Viewer) ID() string { return v.id }

// Rect returns the viewer's normalized rectangle.
func (v *Viewer) Rect() wire.Rect { return v.norm }

// Batches returns the outbound queue.
func (v *Viewer) Batches() <-chan wire.Batch { return v.out }

// offer queues b without blocking.
func (v *Viewer) offer(b wire.Batch) bool {
	select {
	case v.out <- b:
		return true
	default:
		return false
	}
}

// discard drops every queued payload.
func (v *Viewer) discard() {
	for {
		select {
		case <-v.out:
		default:
			return
		}
	}
}

func (v *Viewer) close() {
	v.once.Do(func() {
		v.discard()
		close(v.out)
	})
}
