package wire

// DefaultReplayWindow is the reorder tolerance on the receive side.
const DefaultReplayWindow = 64

// ReplayWindow tracks accepted sequence numbers per receive direction.
// A frame is rejected when its seq falls at or below the highest accepted
// seq minus the window, or when the seq was already accepted. Callers hold
// the stream's receive lock, so no internal locking is needed.
type ReplayWindow struct {
	window  int
	highest int64
	seen    map[uint32]bool
}

func NewReplayWindow(window int) *ReplayWindow {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &ReplayWindow{
		window:  window,
		highest: -1,
		seen:    make(map[uint32]bool),
	}
}

// Check reports whether seq is fresh: inside the window and not yet seen.
func (w *ReplayWindow) Check(seq uint32) bool {
	if int64(seq) <= w.highest-int64(w.window) {
		return false
	}
	return !w.seen[seq]
}

// Update records acceptance of seq and purges entries that fell out of
// the window.
func (w *ReplayWindow) Update(seq uint32) {
	w.seen[seq] = true
	if int64(seq) > w.highest {
		w.highest = int64(seq)
	}
	cutoff := w.highest - int64(w.window)
	for s := range w.seen {
		if int64(s) <= cutoff {
			delete(w.seen, s)
		}
	}
}
