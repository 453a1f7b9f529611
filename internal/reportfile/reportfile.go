// Package reportfile unpacks an incoming report file (raw XML, gzip or a
// single-entry zip) into one readable stream of report bytes.
package reportfile

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/gzipfilter"
	"github.com/aaronromeo/dmarcpat/internal/mimetype"
)

var gzipMagic = []byte{0x1f, 0x8b}

type Option func(*Container)

// WithSniffer replaces the content sniffer. Passing nil disables sniffing so
// detection relies on the filename extension alone.
func WithSniffer(sniff mimetype.Sniffer) Option {
	return func(c *Container) {
		c.sniff = sniff
	}
}

// WithMimeType supplies a declared content type. Specific types skip
// detection; generic ones are ignored.
func WithMimeType(contentType string) Option {
	return func(c *Container) {
		c.declared = mimetype.Normalize(contentType)
	}
}

// WithTempDir sets where zip archives read from a stream are materialized.
func WithTempDir(dir string) Option {
	return func(c *Container) {
		c.tempDir = dir
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		c.logger = logger
	}
}

// Container owns every handle opened while unpacking a report: the backing
// file, the caller's stream, the zip entry and any decompressor. Close
// releases them and removes temp files this Container created.
type Container struct {
	filename string
	mimeType string

	sniff    mimetype.Sniffer
	declared string
	tempDir  string
	logger   *slog.Logger

	file      *os.File
	ownedPath string
	src       *bufio.Reader
	srcCloser io.Closer

	entry   io.ReadCloser
	inflate io.Closer
	stream  io.Reader
	closed  bool
}

func newContainer(filename string, opts []Option) *Container {
	c := &Container{
		filename: filename,
		sniff:    mimetype.ContentSniffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Open reads the report stored at path. filename is the name the report was
// delivered under; it defaults to the base name of path. The file at path is
// never removed.
func Open(path, filename string, opts ...Option) (*Container, error) {
	if strings.TrimSpace(filename) == "" {
		filename = filepath.Base(path)
	}
	c := newContainer(filename, opts)

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	c.file = f

	head := make([]byte, mimetype.SniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		_ = c.Close()
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = c.Close()
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	c.detect(head[:n])

	if c.mimeType == mimetype.Zip {
		if err := c.openArchive(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// FromStream reads the report from r, which does not need to be seekable.
// The Container takes ownership of r and closes it if it is an io.Closer.
func FromStream(r io.Reader, filename string, opts ...Option) (*Container, error) {
	c := newContainer(filename, opts)
	if closer, ok := r.(io.Closer); ok {
		c.srcCloser = closer
	}
	c.src = bufio.NewReaderSize(r, 4096)

	head, err := c.src.Peek(mimetype.SniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		_ = c.Close()
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	c.detect(head)

	if c.mimeType == mimetype.Zip {
		if err := c.materialize(); err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := c.openArchive(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) detect(head []byte) {
	if c.declared != "" {
		c.mimeType = c.declared
		return
	}
	c.mimeType = mimetype.Detect(head, c.filename, c.sniff)
}

// materialize copies the live stream into a temp file owned by c.
func (c *Container) materialize() error {
	f, err := os.CreateTemp(c.tempDir, "dmarcpat-report-*")
	if err != nil {
		return errs.SoftWrap(err, "failed to create temp file")
	}
	c.ownedPath = f.Name()
	c.file = f
	if _, err := io.Copy(f, c.src); err != nil {
		return errs.SoftWrap(err, "failed to write temp file")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return errs.SoftWrap(err, "failed to write temp file")
	}
	return nil
}

func (c *Container) openArchive() error {
	info, err := c.file.Stat()
	if err != nil {
		return errs.SoftWrap(err, "failed to open report stream")
	}
	archive, err := zip.NewReader(c.file, info.Size())
	if err != nil {
		return errs.SoftWrap(err, "failed to open the zip archive")
	}
	if len(archive.File) != 1 {
		return errs.Soft("not exactly one file in the archive")
	}
	entry := archive.File[0]
	if entry.FileInfo().IsDir() || strings.ContainsAny(entry.Name, `/\`) {
		return errs.Soft("archive entry is a directory")
	}
	rc, err := entry.Open()
	if err != nil {
		return errs.SoftWrap(err, "failed to open report stream")
	}
	c.entry = rc
	return nil
}

func (c *Container) Filename() string {
	return c.filename
}

func (c *Container) MimeType() string {
	return c.mimeType
}

// Stream returns the decompressed report bytes. Repeated calls return the
// same reader.
func (c *Container) Stream() (io.Reader, error) {
	if c.closed {
		return nil, errs.Soft("failed to open report stream: container is closed")
	}
	if c.stream != nil {
		return c.stream, nil
	}

	switch {
	case c.entry != nil:
		c.stream = c.entry
	case c.mimeType == mimetype.Gzip && c.src != nil:
		c.stream = c.gzipFromStream()
	case c.mimeType == mimetype.Gzip:
		stream, err := c.gzipFromFile()
		if err != nil {
			return nil, err
		}
		c.stream = stream
	case c.file != nil:
		c.stream = c.file
	default:
		c.stream = c.src
	}
	return c.stream, nil
}

func (c *Container) gzipFromStream() io.Reader {
	magic, _ := c.src.Peek(len(gzipMagic))
	if !bytes.Equal(magic, gzipMagic) {
		c.warnPassThrough()
		return c.src
	}
	fr := flate.NewReader(gzipfilter.NewReader(c.src))
	c.inflate = fr
	return fr
}

func (c *Container) gzipFromFile() (io.Reader, error) {
	zr, err := gzip.NewReader(c.file)
	if err == nil {
		c.inflate = zr
		return zr, nil
	}
	if !errors.Is(err, gzip.ErrHeader) && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return nil, errs.SoftWrap(err, "failed to open report stream")
	}
	c.warnPassThrough()
	return c.file, nil
}

func (c *Container) warnPassThrough() {
	c.logger.Warn("report declared as gzip is not gzip-formatted, reading it verbatim",
		slog.String("filename", c.filename))
}

// Close releases every handle and removes the temp file if c created one.
func (c *Container) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.inflate != nil {
		keep(c.inflate.Close())
	}
	if c.entry != nil {
		keep(c.entry.Close())
	}
	if c.file != nil {
		keep(c.file.Close())
	}
	if c.srcCloser != nil {
		keep(c.srcCloser.Close())
	}
	if c.ownedPath != "" {
		if err := os.Remove(c.ownedPath); err != nil && !os.IsNotExist(err) {
			keep(err)
		}
	}
	return first
}
