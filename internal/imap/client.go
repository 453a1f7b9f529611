package imap

import (
	"github.com/aaronromeo/dmarcpat/internal/imap/actions"
	"github.com/aaronromeo/dmarcpat/internal/imap/searches"
	"github.com/aaronromeo/dmarcpat/internal/imap/selectors"
	"github.com/aaronromeo/dmarcpat/internal/imap/sessionmanager"
)

// Client encapsulates one IMAP connection and the commands run over it.
type Client struct {
	*sessionmanager.IMAPConnector
	*searches.IMAPSearchManager
	*actions.IMAPActionManager
	*selectors.IMAPSelectorManager
}

func New(opts ...sessionmanager.Option) *Client {
	session := sessionmanager.NewServerConnector(opts...)
	client := &Client{
		session,
		searches.New(session),
		actions.New(session),
		selectors.New(session),
	}
	return client
}
