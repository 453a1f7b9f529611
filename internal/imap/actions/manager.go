package actions

import (
	"context"
	"errors"
	"strings"

	"github.com/emersion/go-imap/v2"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"
)

type Actions interface {
	MarkSeenUIDs(ctx context.Context, uids []uint32) error
	MoveUIDs(ctx context.Context, uids []uint32, destination string) error
	DeleteUIDs(ctx context.Context, uids []uint32, expunge bool) error
	ExpungeUIDs(ctx context.Context, uids []uint32) error
}

// Interface to initialize the manager
type ClientProvider interface {
	IMAPClient() *giimapclient.Client
	Guard(ctx context.Context) func()
}

type IMAPActionManager struct {
	provider func() *giimapclient.Client
	guard    func(ctx context.Context) func()
}

func New(provider ClientProvider) *IMAPActionManager {
	return &IMAPActionManager{provider: provider.IMAPClient, guard: provider.Guard}
}

func (c *IMAPActionManager) ready(ctx context.Context) error {
	if c.provider == nil || c.provider() == nil {
		return errors.New("IMAP client is not connected")
	}
	return ctx.Err()
}

// MarkSeenUIDs adds \Seen to messages in the selected mailbox.
func (c *IMAPActionManager) MarkSeenUIDs(ctx context.Context, uids []uint32) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	return c.addFlag(ctx, uids, imap.FlagSeen)
}

// MoveUIDs move messages to a different destination folder.
func (c *IMAPActionManager) MoveUIDs(ctx context.Context, uids []uint32, destination string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if strings.TrimSpace(destination) == "" {
		return errors.New("destination mailbox is required")
	}

	release := c.guard(ctx)
	defer release()
	if _, err := c.provider().Move(uidSet(uids), destination).Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// DeleteUIDs marks messages as deleted and optionally expunges them.
func (c *IMAPActionManager) DeleteUIDs(ctx context.Context, uids []uint32, expunge bool) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if err := c.addFlag(ctx, uids, imap.FlagDeleted); err != nil {
		return err
	}
	if !expunge {
		return nil
	}
	return c.ExpungeUIDs(ctx, uids)
}

// ExpungeUIDs permanently removes deleted messages. With UIDPLUS only the
// given UIDs are expunged; otherwise every deleted message in the selected
// mailbox is.
func (c *IMAPActionManager) ExpungeUIDs(ctx context.Context, uids []uint32) error {
	if err := c.ready(ctx); err != nil {
		return err
	}

	release := c.guard(ctx)
	defer release()
	if len(uids) > 0 && c.provider().Caps().Has(imap.CapUIDPlus) {
		_, err := c.provider().UIDExpunge(uidSet(uids)).Collect()
		return err
	}

	_, err := c.provider().Expunge().Collect()
	return err
}

func (c *IMAPActionManager) addFlag(ctx context.Context, uids []uint32, flag imap.Flag) error {
	store := imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}

	release := c.guard(ctx)
	defer release()
	if err := c.provider().Store(uidSet(uids), &store, nil).Close(); err != nil {
		return err
	}
	return ctx.Err()
}

func uidSet(uids []uint32) imap.UIDSet {
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	return set
}
