package mailbox

import (
	"io"

	"github.com/pkg/errors"

	"github.com/aaronromeo/dmarcpat/internal/mimetype"
	"github.com/aaronromeo/dmarcpat/internal/tempbuf"
)

// Attachment is a file attached to a message. Its content is decoded into a
// seekable buffer the first time the size or the stream is needed.
type Attachment struct {
	filename string
	declared string
	size     int64
	open     func() (io.Reader, error)
	sniff    mimetype.Sniffer
	tempDir  string

	mimeType string
	buf      *tempbuf.Buffer
	closed   bool
}

func newAttachment(part partInfo, open func() (io.Reader, error), sniff mimetype.Sniffer, tempDir string) *Attachment {
	return &Attachment{
		filename: part.filename,
		declared: part.contentType,
		size:     part.size,
		open:     open,
		sniff:    sniff,
		tempDir:  tempDir,
	}
}

func (a *Attachment) Filename() string {
	return a.filename
}

// MimeType returns the declared content type. An attachment declared as
// application/octet-stream is identified by its content instead, then by its
// filename.
func (a *Attachment) MimeType() (string, error) {
	if a.mimeType != "" {
		return a.mimeType, nil
	}
	if a.declared != "" && a.declared != mimetype.OctetStream {
		if t := mimetype.Normalize(a.declared); t != "" {
			a.mimeType = t
		} else {
			a.mimeType = a.declared
		}
		return a.mimeType, nil
	}

	head, err := a.head()
	if err != nil {
		return "", err
	}
	a.mimeType = mimetype.Detect(head, a.filename, a.sniff)
	return a.mimeType, nil
}

func (a *Attachment) head() ([]byte, error) {
	head := make([]byte, mimetype.SniffLen)
	if a.buf != nil {
		n, err := a.buf.ReadAt(head, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return head[:n], nil
	}
	r, err := a.open()
	if err != nil {
		return nil, err
	}
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, errors.Wrap(err, "failed to read the attachment")
	}
	return head[:n], nil
}

// Size returns the size announced by the message when there is one and
// otherwise measures the decoded content.
func (a *Attachment) Size() (int64, error) {
	if a.size >= 0 {
		return a.size, nil
	}
	if err := a.materialize(); err != nil {
		return 0, err
	}
	a.size = a.buf.Size()
	return a.size, nil
}

// Stream returns the content from the start. Every call rewinds, so each
// reader sees the full attachment.
func (a *Attachment) Stream() (io.ReadSeeker, error) {
	if err := a.materialize(); err != nil {
		return nil, err
	}
	if _, err := a.buf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return a.buf, nil
}

func (a *Attachment) materialize() error {
	if a.closed {
		return errors.New("attachment is closed")
	}
	if a.buf != nil {
		return nil
	}
	r, err := a.open()
	if err != nil {
		return err
	}
	buf, err := tempbuf.From(r, tempbuf.WithDir(a.tempDir))
	if err != nil {
		return errors.Wrap(err, "failed to buffer the attachment")
	}
	a.buf = buf
	return nil
}

// Close releases the buffer. It is safe to call more than once.
func (a *Attachment) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.buf == nil {
		return nil
	}
	err := a.buf.Close()
	a.buf = nil
	return err
}
