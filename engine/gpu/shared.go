package gpu

import (
	"sync/atomic"
)

/**
 * @brief A buffer shared by several owners. The underlying buffer is
 * destroyed when the last reference is released.
 */
type SharedBuffer struct {
	Buffer
	refs atomic.Int32
}

// NewSharedBuffer wraps b with a single reference.
func NewSharedBuffer(b Buffer) *SharedBuffer {
	sb := &SharedBuffer{Buffer: b}
	sb.refs.Store(1)
	return sb
}

func (sb *SharedBuffer) Acquire() *SharedBuffer {
	sb.refs.Add(1)
	return sb
}

// Release drops one reference and reports whether the buffer was destroyed.
func (sb *SharedBuffer) Release() bool {
	switch n := sb.refs.Add(-1); {
	case n == 0:
		sb.Buffer.Destroy()
		return true
	case n < 0:
		panic("gpu: shared buffer released too many times")
	}
	return false
}

func (sb *SharedBuffer) Refs() int32 {
	return sb.refs.Load()
}
