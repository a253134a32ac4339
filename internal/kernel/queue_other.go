//go:build !linux || !(amd64 || arm64)
// +build !linux !amd64,!arm64

package kernel

func newAIOQueue(int) (Queue, error) {
	return nil, ErrNotSupported
}

func newUringQueue(int, bool) (Queue, error) {
	return nil, ErrNotSupported
}

func newGoQueue(int, int) (Queue, error) {
	return nil, ErrNotSupported
}
