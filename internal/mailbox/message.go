package mailbox

import (
	"bytes"
	"context"
	"io"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/imap/base"
)

// Overview is the part of a message known without fetching its body. Unknown
// fields are left out.
type Overview struct {
	From string     `json:"from,omitempty"`
	Date *time.Time `json:"date,omitempty"`
}

// Message is one search result. The body is fetched on first attachment access.
type Message struct {
	box      *MailBox
	pending  *Pending
	overview base.MessageOverview

	loaded     bool
	raw        []byte
	parts      []partInfo
	attachment *Attachment
}

type partInfo struct {
	index       int
	filename    string
	contentType string
	size        int64
}

func newMessage(box *MailBox, pending *Pending, ov base.MessageOverview) *Message {
	return &Message{box: box, pending: pending, overview: ov}
}

func (m *Message) UID() uint32 {
	return m.overview.UID
}

func (m *Message) Subject() string {
	return m.overview.Subject
}

func (m *Message) Overview() Overview {
	var ov Overview
	for _, addr := range m.overview.From {
		if a := addr.Addr(); a != "" {
			ov.From = a
			break
		}
	}
	if d := m.overview.SortDate(); !d.IsZero() {
		ov.Date = &d
	}
	return ov
}

func (m *Message) load(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	transport, err := m.box.ready(ctx)
	if err != nil {
		return err
	}
	raw, err := transport.FetchRaw(ctx, m.UID())
	if err != nil {
		return wrap(m.box.Name(), "fetch", err)
	}
	if raw == nil {
		return wrap(m.box.Name(), "fetch", errs.Softf("message not found (uid %d)", m.UID()))
	}
	parts, err := scanParts(raw)
	if err != nil {
		return wrap(m.box.Name(), "parse", errs.SoftWrap(err, "failed to parse the message"))
	}
	m.raw = raw
	m.parts = parts
	m.loaded = true
	return nil
}

// AttachmentCount returns the number of attached files in the message.
func (m *Message) AttachmentCount(ctx context.Context) (int, error) {
	if err := m.load(ctx); err != nil {
		return 0, err
	}
	return len(m.parts), nil
}

// Attachment returns the first attachment. Any further attachments are
// ignored.
func (m *Message) Attachment(ctx context.Context) (*Attachment, error) {
	if m.attachment != nil {
		return m.attachment, nil
	}
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	if len(m.parts) == 0 {
		return nil, errs.Soft("the message has no attachment")
	}
	part := m.parts[0]
	raw := m.raw
	m.attachment = newAttachment(part, func() (io.Reader, error) {
		return openPart(raw, part.index)
	}, m.box.sniff, m.box.tempDir)
	return m.attachment, nil
}

func (m *Message) MarkSeen(ctx context.Context) error {
	transport, err := m.box.ready(ctx)
	if err != nil {
		return err
	}
	if err := transport.MarkSeenUIDs(ctx, []uint32{m.UID()}); err != nil {
		return wrap(m.box.Name(), "mark seen", err)
	}
	return nil
}

// Move moves the message to the folder path. The source copy is final only
// after the mailbox is expunged.
func (m *Message) Move(ctx context.Context, path string) error {
	transport, err := m.box.ready(ctx)
	if err != nil {
		return err
	}
	if err := transport.MoveUIDs(ctx, []uint32{m.UID()}, path); err != nil {
		return wrap(m.box.Name(), "move", err)
	}
	m.pending.add(m.UID(), MutationMoved)
	return nil
}

// Delete flags the message as deleted. It disappears after the mailbox is
// expunged.
func (m *Message) Delete(ctx context.Context) error {
	transport, err := m.box.ready(ctx)
	if err != nil {
		return err
	}
	if err := transport.DeleteUIDs(ctx, []uint32{m.UID()}, false); err != nil {
		return wrap(m.box.Name(), "delete", err)
	}
	m.pending.add(m.UID(), MutationDeleted)
	return nil
}

// Close releases the buffered attachment, if any.
func (m *Message) Close() error {
	if m.attachment == nil {
		return nil
	}
	return m.attachment.Close()
}

func createReader(raw []byte) (*mail.Reader, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	return mr, nil
}

// scanParts walks the MIME tree and records every part that carries a file:
// explicit attachments and inline parts that are neither text nor multipart.
func scanParts(raw []byte) ([]partInfo, error) {
	mr, err := createReader(raw)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	var parts []partInfo
	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}
		if p == nil {
			continue
		}

		var info partInfo
		switch h := p.Header.(type) {
		case *mail.AttachmentHeader:
			info.filename, _ = h.Filename()
			info.contentType, _, _ = h.ContentType()
			info.size = dispositionSize(h.Header.Get("Content-Disposition"))
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			if ct == "" || strings.HasPrefix(ct, "text/") {
				continue
			}
			info.contentType = ct
			info.filename = params["name"]
			info.size = -1
		default:
			continue
		}
		info.index = i
		parts = append(parts, info)
	}
	return parts, nil
}

// openPart returns the decoded body of the index-th leaf part of raw.
func openPart(raw []byte, index int) (io.Reader, error) {
	mr, err := createReader(raw)
	if err != nil {
		return nil, err
	}
	for i := 0; ; i++ {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errs.Soft("the attachment is gone from the message")
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}
		if i == index && p != nil {
			return p.Body, nil
		}
	}
}

func dispositionSize(disposition string) int64 {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return -1
	}
	n, err := strconv.ParseInt(params["size"], 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
