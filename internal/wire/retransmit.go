package wire

import "sync"

// DefaultRetransmitWindow bounds the per-direction send buffer.
const DefaultRetransmitWindow = 32

// RetransmitBuffer keeps the raw bytes of the most recently sent frames,
// keyed by sequence number, so a NAK can be answered with an exact
// re-transmission. When the buffer exceeds its window the oldest entry is
// evicted; a NAK for an evicted seq is simply not answered.
type RetransmitBuffer struct {
	mu     sync.Mutex
	window int
	frames map[uint32][]byte
	order  []uint32
}

func NewRetransmitBuffer(window int) *RetransmitBuffer {
	if window <= 0 {
		window = DefaultRetransmitWindow
	}
	return &RetransmitBuffer{
		window: window,
		frames: make(map[uint32][]byte, window),
	}
}

// Add records a sent frame, evicting the oldest entry past the window.
func (b *RetransmitBuffer) Add(seq uint32, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.frames[seq]; !ok {
		b.order = append(b.order, seq)
	}
	b.frames[seq] = raw

	for len(b.order) > b.window {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.frames, oldest)
	}
}

// Get returns the buffered frame for seq, if it is still retained.
func (b *RetransmitBuffer) Get(seq uint32) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.frames[seq]
	return raw, ok
}

// Drop removes the entry for seq after an ACK.
func (b *RetransmitBuffer) Drop(seq uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.frames[seq]; !ok {
		return
	}
	delete(b.frames, seq)
	for i, s := range b.order {
		if s == seq {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of retained frames.
func (b *RetransmitBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
