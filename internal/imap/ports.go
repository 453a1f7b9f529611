package imap

import (
	"github.com/aaronromeo/dmarcpat/internal/imap/actions"
	"github.com/aaronromeo/dmarcpat/internal/imap/searches"
	"github.com/aaronromeo/dmarcpat/internal/imap/selectors"
	"github.com/aaronromeo/dmarcpat/internal/imap/sessionmanager"
)

// Transport is the mail-transport capability set a mailbox needs. Client
// satisfies it; tests may substitute their own.
type Transport interface {
	sessionmanager.ServerConnector
	searches.ServerSearcher
	actions.Actions
	selectors.ClientSelectors
}

var _ Transport = (*Client)(nil)
