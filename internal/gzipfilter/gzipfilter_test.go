package gzipfilter

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerOpts struct {
	extra   []byte
	name    string
	comment string
	hcrc    bool
}

// member builds a gzip member by hand so every flag combination can be produced.
func member(t *testing.T, payload []byte, opts headerOpts) []byte {
	t.Helper()

	var flags byte
	if opts.hcrc {
		flags |= flagHCRC
	}
	if opts.extra != nil {
		flags |= flagExtra
	}
	if opts.name != "" {
		flags |= flagName
	}
	if opts.comment != "" {
		flags |= flagComment
	}

	var out bytes.Buffer
	out.Write([]byte{0x1f, 0x8b, 8, flags, 0, 0, 0, 0, 0, 255})
	if opts.extra != nil {
		var size [2]byte
		binary.LittleEndian.PutUint16(size[:], uint16(len(opts.extra)))
		out.Write(size[:])
		out.Write(opts.extra)
	}
	if opts.name != "" {
		out.WriteString(opts.name)
		out.WriteByte(0)
	}
	if opts.comment != "" {
		out.WriteString(opts.comment)
		out.WriteByte(0)
	}
	if opts.hcrc {
		var sum [2]byte
		binary.LittleEndian.PutUint16(sum[:], uint16(crc32.ChecksumIEEE(out.Bytes())))
		out.Write(sum[:])
	}

	fw, err := flate.NewWriter(&out, flate.BestCompression)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(trailer[4:], uint32(len(payload)))
	out.Write(trailer[:])
	return out.Bytes()
}

func samplePayload(size int) []byte {
	rnd := rand.New(rand.NewSource(42))
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?><feedback>`)
	for buf.Len() < size {
		buf.WriteString("<record><row><source_ip>192.0.2.")
		buf.WriteString(string(rune('0' + rnd.Intn(10))))
		buf.WriteString("</source_ip>")
		noise := make([]byte, 16)
		rnd.Read(noise)
		for _, b := range noise {
			buf.WriteByte('a' + b%26)
		}
		buf.WriteString("</row></record>")
	}
	buf.WriteString("</feedback>")
	return buf.Bytes()
}

type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func inflate(t *testing.T, r io.Reader) []byte {
	t.Helper()
	fr := flate.NewReader(r)
	defer fr.Close()
	out, err := io.ReadAll(fr)
	require.NoError(t, err)
	return out
}

func TestReaderRoundTripChunkSizes(t *testing.T) {
	payload := samplePayload(64 * 1024)
	compressed := member(t, payload, headerOpts{name: "report.xml"})

	cases := []struct {
		name string
		size int
	}{
		{name: "one byte", size: 1},
		{name: "seven bytes", size: 7},
		{name: "4096 bytes", size: 4096},
		{name: "all at once", size: len(compressed)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &chunkReader{data: compressed, size: tc.size}
			got := inflate(t, NewReader(src))
			assert.Equal(t, payload, got)
		})
	}
}

func TestReaderMatchesStdlibGzip(t *testing.T) {
	payload := samplePayload(10 * 1024)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = "google.com!example.com!1700000000!1700086400.xml"
	zw.Comment = "aggregate report"
	zw.Extra = []byte{'A', 'P', 2, 0, 1, 2}
	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got := inflate(t, NewReader(&chunkReader{data: buf.Bytes(), size: 3}))
	assert.Equal(t, payload, got)
}

func TestHeaderVariants(t *testing.T) {
	payload := samplePayload(2048)
	extra := []byte{'S', 'C', 4, 0, 'd', 'a', 't', 'a'}

	cases := []struct {
		name string
		opts headerOpts
	}{
		{name: "no flags", opts: headerOpts{}},
		{name: "fextra", opts: headerOpts{extra: extra}},
		{name: "fextra empty", opts: headerOpts{extra: []byte{}}},
		{name: "fname", opts: headerOpts{name: "report.xml"}},
		{name: "fcomment", opts: headerOpts{comment: "from example.net"}},
		{name: "fhcrc", opts: headerOpts{hcrc: true}},
		{name: "fextra fname", opts: headerOpts{extra: extra, name: "report.xml"}},
		{name: "fname fcomment", opts: headerOpts{name: "report.xml", comment: "c"}},
		{name: "fcomment fhcrc", opts: headerOpts{comment: "c", hcrc: true}},
		{name: "all flags", opts: headerOpts{extra: extra, name: "report.xml", comment: "c", hcrc: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			compressed := member(t, payload, tc.opts)

			zr, err := gzip.NewReader(bytes.NewReader(compressed))
			require.NoError(t, err, "hand-built member must be valid gzip")
			want, err := io.ReadAll(zr)
			require.NoError(t, err)
			require.Equal(t, payload, want)

			for _, size := range []int{1, 5, 13, len(compressed)} {
				got := inflate(t, NewReader(&chunkReader{data: compressed, size: size}))
				assert.Equal(t, payload, got, "chunk size %d", size)
			}
		})
	}
}

func TestTrimmerHoldsBackTrailer(t *testing.T) {
	payload := samplePayload(8 * 1024)
	compressed := member(t, payload, headerOpts{extra: []byte{1, 2, 3}, name: "r.xml", hcrc: true})

	for _, size := range []int{1, 2, 7, 9, 100} {
		var trimmer Trimmer
		var emitted []byte
		fed := 0
		for start := 0; start < len(compressed); start += size {
			end := start + size
			if end > len(compressed) {
				end = len(compressed)
			}
			fed += end - start
			emitted = append(emitted, trimmer.Feed(compressed[start:end])...)

			limit := fed - trailerSize
			if limit < 0 {
				limit = 0
			}
			require.LessOrEqual(t, len(emitted), limit, "chunk size %d after %d bytes", size, fed)
		}

		require.True(t, trimmer.HeaderDone())
		want := compressed[headerSize+2+3+len("r.xml")+1+2 : len(compressed)-trailerSize]
		assert.Equal(t, want, emitted, "chunk size %d", size)
	}
}

func TestTrimmerNeedsMoreHeader(t *testing.T) {
	var trimmer Trimmer

	assert.Nil(t, trimmer.Feed([]byte{0x1f, 0x8b, 8, flagExtra | flagName, 0, 0}))
	assert.False(t, trimmer.HeaderDone())
	assert.Nil(t, trimmer.Feed([]byte{0, 0, 0, 255, 4, 0, 'a', 'b'}))
	assert.False(t, trimmer.HeaderDone())
	assert.Nil(t, trimmer.Feed([]byte{'c', 'd', 'n', 'a', 'm', 'e'}))
	assert.False(t, trimmer.HeaderDone())
	assert.Nil(t, trimmer.Feed([]byte{0, 'x', 'y'}))
	assert.True(t, trimmer.HeaderDone())
}

func TestReaderTruncatedHeader(t *testing.T) {
	_, err := io.ReadAll(NewReader(bytes.NewReader([]byte{0x1f, 0x8b, 8, flagName, 0, 0, 0, 0, 0, 3, 'a'})))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderShortBody(t *testing.T) {
	header := []byte{0x1f, 0x8b, 8, 0, 0, 0, 0, 0, 0, 3}
	got, err := io.ReadAll(NewReader(bytes.NewReader(append(header, 1, 2, 3, 4, 5, 6, 7, 8))))
	require.NoError(t, err)
	assert.Empty(t, got)
}
