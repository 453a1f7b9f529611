package mailbox

import (
	"github.com/aaronromeo/dmarcpat/internal/errs"
)

// Error is a failure talking to a mailbox. The underlying transport or parse
// error is kept as the cause.
type Error struct {
	Mailbox string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return "mailbox " + e.Mailbox + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind reports the cause's classification when it has one. Anything else is a
// transport failure.
func (e *Error) Kind() errs.Kind {
	switch {
	case errs.IsSoft(e.Err):
		return errs.KindSoft
	case errs.IsConfig(e.Err):
		return errs.KindConfig
	}
	return errs.KindTransport
}

func wrap(mailbox, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Mailbox: mailbox, Op: op, Err: err}
}
