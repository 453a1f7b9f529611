package searches

import (
	"context"
	"errors"
	"time"

	"github.com/emersion/go-imap/v2"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"
)

type ServerSearcher interface {
	SearchUIDs(ctx context.Context, filter Filter) ([]uint32, error)
}

// Filter narrows a search in the selected mailbox. Messages flagged \Deleted
// are always excluded.
type Filter struct {
	// Seen restricts to seen (true) or unseen (false) messages; nil means all.
	Seen  *bool
	Since time.Time
}

// Interface to initialize the manager
type ClientProvider interface {
	IMAPClient() *giimapclient.Client
	Guard(ctx context.Context) func()
}

type IMAPSearchManager struct {
	provider func() *giimapclient.Client
	guard    func(ctx context.Context) func()
}

func New(provider ClientProvider) *IMAPSearchManager {
	return &IMAPSearchManager{provider: provider.IMAPClient, guard: provider.Guard}
}

// SearchUIDs returns the UIDs in the selected mailbox matching filter.
func (m *IMAPSearchManager) SearchUIDs(ctx context.Context, filter Filter) ([]uint32, error) {
	if m.provider == nil || m.provider() == nil {
		return nil, errors.New("IMAP client is not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release := m.guard(ctx)
	data, err := m.provider().UIDSearch(buildSearchCriteria(filter), nil).Wait()
	release()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

func buildSearchCriteria(filter Filter) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	criteria.NotFlag = append(criteria.NotFlag, imap.FlagDeleted)

	if filter.Seen != nil {
		if *filter.Seen {
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		} else {
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		}
	}
	if !filter.Since.IsZero() {
		criteria.Since = filter.Since
	}
	return criteria
}
