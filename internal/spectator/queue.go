// Package spectator maintains the ordered queue of passive observers for
// the running match. The head of the queue is the next promotion candidate
// when a slot is vacated and its reconnect window expires.
package spectator

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unixthat/beer-project/internal/packets"
	"github.com/unixthat/beer-project/internal/wire"
)

// Spectator is one observing transport. Spectators receive every broadcast
// event but hold no reference into match internals; anything they send is
// answered with ERR spectator by a per-spectator watcher until promotion.
type Spectator struct {
	ID     string
	Stream *wire.Stream

	promoted atomic.Bool
	done     chan struct{}
}

// Queue is a concurrency-safe FIFO of spectators.
type Queue struct {
	Logger *logrus.Logger

	mu    sync.Mutex
	specs []*Spectator
}

func NewQueue(logger *logrus.Logger) *Queue {
	return &Queue{Logger: logger}
}

// Add appends a transport to the tail, greets it, and starts its watcher.
func (q *Queue) Add(st *wire.Stream) *Spectator {
	sp := &Spectator{ID: uuid.NewString(), Stream: st, done: make(chan struct{})}

	q.mu.Lock()
	q.specs = append(q.specs, sp)
	q.mu.Unlock()

	if err := st.Send(wire.FrameGame, packets.NewInfo("You are now spectating")); err != nil {
		q.evict(sp)
		return nil
	}
	go q.watch(sp)
	return sp
}

// watch reads a spectator's transport so that inbound commands can be
// rejected and disconnects noticed promptly. Exits silently on promotion.
func (q *Queue) watch(sp *Spectator) {
	defer close(sp.done)
	for {
		_, err := sp.Stream.Recv()
		if sp.promoted.Load() {
			return
		}
		if err != nil {
			q.evict(sp)
			return
		}
		_ = sp.Stream.Send(wire.FrameGame,
			packets.NewErr(packets.CodeSpectator, "spectators cannot issue commands"))
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.specs)
}

// Broadcast sends one payload to every spectator. A send failure evicts
// that spectator silently and does not abort the remaining sends.
func (q *Queue) Broadcast(t wire.FrameType, v any) {
	q.mu.Lock()
	specs := make([]*Spectator, len(q.specs))
	copy(specs, q.specs)
	q.mu.Unlock()

	for _, sp := range specs {
		if err := sp.Stream.Send(t, v); err != nil {
			q.evict(sp)
		}
	}
}

// Snapshot delivers a complete board-and-turn snapshot to one spectator,
// used when it joins.
func (q *Queue) Snapshot(sp *Spectator, snap packets.SpecGrid) error {
	return sp.Stream.Send(wire.FrameGame, snap)
}

// Promote removes and returns the head spectator, or nil when the queue is
// empty. The watcher is stopped before returning so the caller owns the
// transport's read side exclusively.
func (q *Queue) Promote() *Spectator {
	q.mu.Lock()
	if len(q.specs) == 0 {
		q.mu.Unlock()
		return nil
	}
	sp := q.specs[0]
	q.specs = q.specs[1:]
	q.mu.Unlock()

	sp.promoted.Store(true)
	sp.Stream.Interrupt()
	<-sp.done
	sp.Stream.ClearDeadline()
	return sp
}

// Drain empties the queue, closing every remaining transport. Called at
// the match rotation boundary.
func (q *Queue) Drain() {
	q.mu.Lock()
	specs := q.specs
	q.specs = nil
	q.mu.Unlock()

	for _, sp := range specs {
		sp.Stream.Close()
	}
}

// evict drops a spectator wherever it sits in the queue and closes its
// transport. Safe to call more than once for the same spectator.
func (q *Queue) evict(sp *Spectator) {
	q.mu.Lock()
	for i, cur := range q.specs {
		if cur == sp {
			q.specs = append(q.specs[:i], q.specs[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	sp.Stream.Close()
	if q.Logger != nil {
		q.Logger.Debugf("dropped spectator %s (%s)", sp.ID, sp.Stream.RemoteAddr())
	}
}
