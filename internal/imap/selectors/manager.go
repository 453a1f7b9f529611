package selectors

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"

	"github.com/aaronromeo/dmarcpat/internal/imap/base"
)

type ClientSelectors interface {
	FindMailbox(ctx context.Context, mailbox string) (*imap.ListData, error)
	CreateMailbox(ctx context.Context, mailbox string) error
	SelectMailbox(ctx context.Context, mailbox string) (*imap.SelectData, error)
	MailboxStatus(ctx context.Context, mailbox string) (*imap.StatusData, error)
	FetchOverviews(ctx context.Context, uids []uint32) ([]base.MessageOverview, error)
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
}

// Interface to initialize the manager
type ClientProvider interface {
	IMAPClient() *giimapclient.Client
	Guard(ctx context.Context) func()
}

type IMAPSelectorManager struct {
	provider func() *giimapclient.Client
	guard    func(ctx context.Context) func()
}

func New(provider ClientProvider) *IMAPSelectorManager {
	return &IMAPSelectorManager{provider: provider.IMAPClient, guard: provider.Guard}
}

func (c *IMAPSelectorManager) ready(ctx context.Context) error {
	if c.provider == nil || c.provider() == nil {
		return errors.New("IMAP client is not connected")
	}
	return ctx.Err()
}

// FindMailbox returns the LIST entry for mailbox, or nil when it does not exist.
func (c *IMAPSelectorManager) FindMailbox(ctx context.Context, mailbox string) (*imap.ListData, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(mailbox) == "" {
		return nil, errors.New("mailbox is required")
	}

	release := c.guard(ctx)
	items, err := c.provider().List("", mailbox, nil).Collect()
	release()
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.Mailbox == mailbox || (strings.EqualFold(mailbox, "INBOX") && strings.EqualFold(item.Mailbox, "INBOX")) {
			return item, nil
		}
	}
	return nil, nil
}

func (c *IMAPSelectorManager) CreateMailbox(ctx context.Context, mailbox string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(mailbox) == "" {
		return errors.New("mailbox is required")
	}
	release := c.guard(ctx)
	defer release()
	return c.provider().Create(mailbox, nil).Wait()
}

// SelectMailbox selects a mailbox and returns its metadata.
func (c *IMAPSelectorManager) SelectMailbox(ctx context.Context, mailbox string) (*imap.SelectData, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(mailbox) == "" {
		return nil, errors.New("mailbox is required")
	}
	release := c.guard(ctx)
	defer release()
	return c.provider().Select(mailbox, nil).Wait()
}

// MailboxStatus returns the message and unseen counts of mailbox.
func (c *IMAPSelectorManager) MailboxStatus(ctx context.Context, mailbox string) (*imap.StatusData, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	release := c.guard(ctx)
	defer release()
	return c.provider().Status(mailbox, &imap.StatusOptions{
		NumMessages: true,
		NumUnseen:   true,
	}).Wait()
}

// FetchOverviews returns envelope data for the provided UIDs in the selected mailbox.
func (c *IMAPSelectorManager) FetchOverviews(ctx context.Context, uids []uint32) ([]base.MessageOverview, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return []base.MessageOverview{}, nil
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
	}

	release := c.guard(ctx)
	defer release()

	fetchCmd := c.provider().Fetch(uidSet(uids), fetchOptions)
	rows := make([]base.MessageOverview, 0, len(uids))
	for {
		if err := ctx.Err(); err != nil {
			_ = fetchCmd.Close()
			return nil, err
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var row base.MessageOverview
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case giimapclient.FetchItemDataUID:
				row.UID = uint32(data.UID)
			case giimapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					row.From = data.Envelope.From
					row.Subject = strings.TrimSpace(data.Envelope.Subject)
					row.Date = data.Envelope.Date
				}
			case giimapclient.FetchItemDataInternalDate:
				row.InternalDate = data.Time
			case giimapclient.FetchItemDataRFC822Size:
				row.Size = data.Size
			case giimapclient.FetchItemDataFlags:
				row.Flags = data.Flags
			case giimapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					_, _ = io.Copy(io.Discard, data.Literal)
				}
			}
		}
		if row.UID == 0 {
			continue
		}
		rows = append(rows, row)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchRaw returns the full message without setting \Seen. A nil result means
// the message no longer exists.
func (c *IMAPSelectorManager) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	release := c.guard(ctx)
	defer release()

	msgs, err := c.provider().Fetch(uidSet([]uint32{uid}), fetchOptions).Collect()
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if uint32(msg.UID) != uid {
			continue
		}
		if body := msg.FindBodySection(section); body != nil {
			return body, nil
		}
	}
	return nil, nil
}

func uidSet(uids []uint32) imap.UIDSet {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	return set
}
