// Package gzipfilter strips the gzip container (RFC 1952) from a byte stream so
// the DEFLATE payload can be handed to a raw inflater without seeking.
//
// Compose it explicitly:
//
//	body := flate.NewReader(gzipfilter.NewReader(src))
package gzipfilter

import (
	"bytes"
	"encoding/binary"
	"io"
)

const (
	headerSize  = 10
	trailerSize = 8

	flagHCRC    = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
)

// Trimmer is the push side of the filter. Each Feed call takes the next chunk
// of a gzip member and returns the payload bytes that can be released so far.
// The last 8 bytes seen are always held back because they may be the trailer.
type Trimmer struct {
	headerDone bool
	header     []byte
	tail       []byte
}

// HeaderDone reports whether the gzip header has been fully consumed.
func (t *Trimmer) HeaderDone() bool {
	return t.headerDone
}

// Feed consumes chunk and returns the payload it releases. A nil result while
// the header is incomplete means more input is needed.
func (t *Trimmer) Feed(chunk []byte) []byte {
	if !t.headerDone {
		t.header = append(t.header, chunk...)
		n, ok := headerLen(t.header)
		if !ok {
			return nil
		}
		chunk = t.header[n:]
		t.header = nil
		t.headerDone = true
	}

	combined := make([]byte, 0, len(t.tail)+len(chunk))
	combined = append(combined, t.tail...)
	combined = append(combined, chunk...)
	if len(combined) <= trailerSize {
		t.tail = combined
		return nil
	}

	cut := len(combined) - trailerSize
	t.tail = append(make([]byte, 0, trailerSize), combined[cut:]...)
	return combined[:cut]
}

// headerLen returns the full header length once enough bytes are buffered.
func headerLen(b []byte) (int, bool) {
	if len(b) < headerSize {
		return 0, false
	}
	flags := b[3]
	n := headerSize

	if flags&flagExtra != 0 {
		if len(b) < n+2 {
			return 0, false
		}
		n += 2 + int(binary.LittleEndian.Uint16(b[n:]))
		if len(b) < n {
			return 0, false
		}
	}
	if flags&flagName != 0 {
		i := bytes.IndexByte(b[n:], 0)
		if i < 0 {
			return 0, false
		}
		n += i + 1
	}
	if flags&flagComment != 0 {
		i := bytes.IndexByte(b[n:], 0)
		if i < 0 {
			return 0, false
		}
		n += i + 1
	}
	if flags&flagHCRC != 0 {
		n += 2
		if len(b) < n {
			return 0, false
		}
	}
	return n, true
}

// Reader adapts a Trimmer to io.Reader.
type Reader struct {
	src     io.Reader
	trimmer Trimmer
	scratch []byte
	pending []byte
	err     error
}

func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:     src,
		scratch: make([]byte, 32*1024),
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.pending) == 0 {
		if r.err != nil {
			if r.err == io.EOF && !r.trimmer.HeaderDone() {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, r.err
		}
		n, err := r.src.Read(r.scratch)
		if n > 0 {
			r.pending = r.trimmer.Feed(r.scratch[:n])
		}
		if err != nil {
			r.err = err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
