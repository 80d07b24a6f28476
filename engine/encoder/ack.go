package encoder

import "sync/atomic"

/**
 * @brief Highest frame index the decoder side has acknowledged. Written
 * from the feedback goroutine, read by the render goroutine.
 */
type AckTracker struct {
	last atomic.Uint64
}

// Advance raises the tracked value to frameIndex. Lower values are ignored.
func (t *AckTracker) Advance(frameIndex uint64) {
	prev := t.last.Load()
	for prev < frameIndex {
		if t.last.CompareAndSwap(prev, frameIndex) {
			return
		}
		prev = t.last.Load()
	}
}

func (t *AckTracker) Load() uint64 {
	return t.last.Load()
}
