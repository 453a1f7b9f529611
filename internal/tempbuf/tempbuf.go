// Package tempbuf provides a seekable scratch buffer that lives in memory until
// it grows past a threshold and then moves to a temporary file it owns.
package tempbuf

import (
	"bytes"
	"errors"
	"io"
	"os"
)

const DefaultThreshold = 1 << 20

var errClosed = errors.New("temporary buffer is closed")

type Option func(*Buffer)

// WithThreshold sets how many bytes stay in memory before spilling to disk.
func WithThreshold(n int) Option {
	return func(b *Buffer) {
		b.threshold = n
	}
}

// WithDir sets the directory used for the spill file.
func WithDir(dir string) Option {
	return func(b *Buffer) {
		b.dir = dir
	}
}

type Buffer struct {
	threshold int
	dir       string

	mem    []byte
	file   *os.File
	offset int64
	closed bool
}

func New(opts ...Option) *Buffer {
	b := &Buffer{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// From copies r into a new buffer positioned at the start.
func From(r io.Reader, opts ...Option) (*Buffer, error) {
	b := New(opts...)
	if _, err := io.Copy(b, r); err != nil {
		_ = b.Close()
		return nil, err
	}
	if _, err := b.Seek(0, io.SeekStart); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, errClosed
	}
	if b.file == nil && int(b.offset)+len(p) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	if b.file != nil {
		n, err := b.file.WriteAt(p, b.offset)
		b.offset += int64(n)
		return n, err
	}

	end := int(b.offset) + len(p)
	if end > len(b.mem) {
		grown := make([]byte, end)
		copy(grown, b.mem)
		b.mem = grown
	}
	copy(b.mem[b.offset:], p)
	b.offset = int64(end)
	return len(p), nil
}

func (b *Buffer) Read(p []byte) (int, error) {
	n, err := b.ReadAt(p, b.offset)
	b.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if b.closed {
		return 0, errClosed
	}
	if b.file != nil {
		return b.file.ReadAt(p, off)
	}
	if off >= int64(len(b.mem)) {
		return 0, io.EOF
	}
	n := copy(p, b.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	if b.closed {
		return 0, errClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.offset + offset
	case io.SeekEnd:
		abs = b.Size() + offset
	default:
		return 0, errors.New("tempbuf: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("tempbuf: negative position")
	}
	b.offset = abs
	return abs, nil
}

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int64 {
	if b.file != nil {
		info, err := b.file.Stat()
		if err != nil {
			return 0
		}
		return info.Size()
	}
	return int64(len(b.mem))
}

// OnDisk reports whether the buffer spilled to a temporary file.
func (b *Buffer) OnDisk() bool {
	return b.file != nil
}

// Close releases the memory and removes the spill file, if any.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = nil
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	b.file = nil
	return err
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp(b.dir, "dmarcpat-buf-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(b.mem)); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	b.file = f
	b.mem = nil
	return nil
}
