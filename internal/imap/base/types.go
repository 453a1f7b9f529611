package base

import (
	"time"

	"github.com/emersion/go-imap/v2"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"
)

type State struct {
	Client *giimapclient.Client
}

// MessageOverview is what a search result carries before the body is fetched.
type MessageOverview struct {
	UID          uint32
	From         []imap.Address
	Subject      string
	Date         time.Time
	InternalDate time.Time
	Size         int64
	Flags        []imap.Flag
}

// SortDate is the date used to order messages: the Date header when present,
// otherwise the server's internal date.
func (o MessageOverview) SortDate() time.Time {
	if !o.Date.IsZero() {
		return o.Date
	}
	return o.InternalDate
}
