package core

import (
	"errors"
)

var (
	ErrFenceTimeout = errors.New("timed out waiting for fence")
	ErrDeviceLost   = errors.New("device lost")
	ErrUnknown      = errors.New("unknown")
)
