package pool

import "errors"

var (
	ErrPoolUnderflow = errors.New("release into a pool with no outstanding items")
	ErrInvalidSize   = errors.New("pool capacity must be positive")
)
