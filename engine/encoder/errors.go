package encoder

import "errors"

var (
	ErrUnsupportedFormat      = errors.New("unsupported video picture format")
	ErrNoSuitableFormat       = errors.New("no suitable image format")
	ErrQueryFailed            = errors.New("failed to read encode feedback query")
	ErrFeedbackOutOfRange     = errors.New("encode feedback points outside the output buffer")
	ErrNoPendingFrame         = errors.New("no frame presented on this slot")
	ErrNotInitialized         = errors.New("encoder session not initialized")
	ErrConcurrentRenderAccess = errors.New("encoder session entered from two goroutines at once")
	ErrInvalidSlotInfos       = errors.New("codec returned the wrong number of slot infos")
)
