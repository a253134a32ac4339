package aio

import (
	"errors"
	"fmt"

	"github.com/Meesho/BharatMLStack/directio/pkg/buffer"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidArgument   = buffer.ErrInvalidArgument
	ErrOutOfMemory       = buffer.ErrOutOfMemory
	ErrResourceExhausted = errors.New("kernel I/O queue could not be created")
	ErrQueueFull         = errors.New("not enough space on the I/O queue")
	ErrContextBusy       = errors.New("I/O context has operations in flight")
	ErrContextClosed     = errors.New("I/O context is closed")
	ErrBufNoAlign        = errors.New("buffer is not aligned to block size")
	ErrOffsetNotAligned  = errors.New("offset is not aligned to block size")
	ErrSizeNotAligned    = errors.New("size is not a multiple of block size")
)

type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// SubmitError is a kernel rejection of a submission other than a full queue.
// The operation was never started.
type SubmitError struct {
	Op    Op
	Errno unix.Errno
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %s", e.Op, e.Errno.Error())
}

func (e *SubmitError) Unwrap() error {
	return e.Errno
}

// CompletionError reports an operation that reached the kernel and failed.
// Code is the errno magnitude and Message its description.
type CompletionError struct {
	Token   any
	Op      Op
	Code    int
	Message string
}

func newCompletionError(token any, op Op, code int) *CompletionError {
	return &CompletionError{
		Token:   token,
		Op:      op,
		Code:    code,
		Message: unix.Errno(code).Error(),
	}
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s failed: %s (errno %d)", e.Op, e.Message, e.Code)
}

func (e *CompletionError) Unwrap() error {
	return unix.Errno(e.Code)
}
