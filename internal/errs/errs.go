// Package errs classifies ingestion failures and turns them into the
// structured results reported to operators.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	// KindSoft failures are expected in normal operation; the run continues.
	KindSoft Kind = iota + 1
	// KindTransport failures come from the network or the mail server.
	KindTransport
	// KindConfig failures come from invalid settings.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindSoft:
		return "soft"
	case KindTransport:
		return "transport"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Result codes surfaced as error_code.
const (
	CodeOK        = 0
	CodeSoft      = -1
	CodeTransport = -2
	CodeConfig    = -3
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Soft(msg string) error {
	return &Error{Kind: KindSoft, Msg: msg}
}

func Softf(format string, args ...any) error {
	return &Error{Kind: KindSoft, Msg: fmt.Sprintf(format, args...)}
}

// SoftWrap marks err as recoverable while keeping it as the cause.
func SoftWrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindSoft, Msg: msg, Err: err}
}

func Config(msg string) error {
	return &Error{Kind: KindConfig, Msg: msg}
}

func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Op: op, Msg: "transport failure", Err: err}
}

// Kinder is implemented by errors that carry their own classification.
type Kinder interface {
	Kind() Kind
}

// KindOf returns the classification of the outermost classified error in the
// chain. Unclassified errors count as transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *Error:
			return v.Kind
		case Kinder:
			return v.Kind()
		}
	}
	return KindTransport
}

func IsSoft(err error) bool {
	return err != nil && KindOf(err) == KindSoft
}

func IsConfig(err error) bool {
	return err != nil && KindOf(err) == KindConfig
}

// Result is the operator-visible outcome of one ingestion step.
type Result struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

func (r Result) OK() bool {
	return r.ErrorCode == CodeOK
}

// ResultOf converts err into a Result. A nil error yields okMsg.
func ResultOf(err error, okMsg string) Result {
	if err == nil {
		return Result{ErrorCode: CodeOK, Message: okMsg}
	}
	code := CodeTransport
	switch KindOf(err) {
	case KindSoft:
		code = CodeSoft
	case KindConfig:
		code = CodeConfig
	}
	return Result{ErrorCode: code, Message: err.Error()}
}
