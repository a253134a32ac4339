//go:build linux
// +build linux

package aio

import (
	"errors"
	"fmt"
	"os"

	"github.com/Meesho/BharatMLStack/directio/pkg/buffer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const fileMode = 0644

// File is a file opened for asynchronous I/O through a Context. In direct
// mode every request must be aligned to the context block size.
type File struct {
	ioctx     *Context
	file      *os.File
	fd        int
	direct    bool
	blockSize int
}

// OpenFile opens path for reading and writing, creating it if needed. When
// direct is set the page cache is bypassed; filesystems that refuse O_DIRECT
// fall back to buffered I/O with a warning.
func (c *Context) OpenFile(path string, direct bool) (*File, error) {
	flags := unix.O_RDWR | unix.O_CREAT | unix.O_CLOEXEC
	fd, err := unix.Open(path, flags|directFlag(direct), fileMode)
	if err != nil && direct && errors.Is(err, unix.EINVAL) {
		log.Warn().Str("path", path).Msgf("DIRECT_IO not supported, falling back to regular flags: %v", err)
		direct = false
		fd, err = unix.Open(path, flags, fileMode)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	file := os.NewFile(uintptr(fd), path)
	if file == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create file from fd")
	}
	return &File{
		ioctx:     c,
		file:      file,
		fd:        fd,
		direct:    direct,
		blockSize: c.blockSize,
	}, nil
}

func directFlag(direct bool) int {
	if direct {
		return unix.O_DIRECT
	}
	return 0
}

func (f *File) checkAligned(offset int64, buf []byte, size int) error {
	if !f.direct {
		return nil
	}
	if offset%int64(f.blockSize) != 0 {
		return ErrOffsetNotAligned
	}
	if size%f.blockSize != 0 {
		return ErrSizeNotAligned
	}
	if !buffer.IsAligned(buf, f.blockSize) {
		return ErrBufNoAlign
	}
	return nil
}

// Write submits an asynchronous write of buf[:size] at offset. In direct mode a
// misaligned offset, size or buffer is rejected here with ErrOffsetNotAligned,
// ErrSizeNotAligned or ErrBufNoAlign and nothing is queued. Context.SubmitWrite
// skips the check, so the kernel reports the same mistake as a completion error.
func (f *File) Write(offset int64, buf []byte, size int, token any) error {
	if err := f.checkAligned(offset, buf, size); err != nil {
		return err
	}
	return f.ioctx.SubmitWrite(f.fd, offset, buf, size, token)
}

// Read submits an asynchronous read of size bytes at offset into buf. Alignment
// is checked as for Write.
func (f *File) Read(offset int64, buf []byte, size int, token any) error {
	if err := f.checkAligned(offset, buf, size); err != nil {
		return err
	}
	return f.ioctx.SubmitRead(f.fd, offset, buf, size, token)
}

// NewBuffer maps a buffer of at least size bytes, rounded up to the block size
// and aligned for this file.
func (f *File) NewBuffer(size int) (*buffer.AlignedBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}
	rounded := (size + f.blockSize - 1) / f.blockSize * f.blockSize
	return buffer.NewAligned(rounded, f.blockSize)
}

func (f *File) Size() (int64, error) {
	st, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Fallocate reserves size bytes of disk space from offset zero.
func (f *File) Fallocate(size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidArgument, size)
	}
	if err := unix.Fallocate(f.fd, 0, 0, size); err != nil {
		return fmt.Errorf("fallocate %s: %w", f.file.Name(), err)
	}
	return nil
}

func (f *File) Fd() int {
	return f.fd
}

func (f *File) Name() string {
	return f.file.Name()
}

func (f *File) Direct() bool {
	return f.direct
}

// Close closes the descriptor. Operations still in flight on it complete
// with an error or not at all; drain them first.
func (f *File) Close() error {
	return f.file.Close()
}
