// Package mailbox reads DMARC report messages from an IMAP folder and applies
// post-processing actions to them.
//
// A MailBox connects lazily and reconnects when the previous connection is
// gone. Moves and deletions made through its messages are queued and only
// become final when Expunge runs, so a batch of messages costs one expunge.
package mailbox

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	imaptransport "github.com/aaronromeo/dmarcpat/internal/imap"
	"github.com/aaronromeo/dmarcpat/internal/imap/searches"
	"github.com/aaronromeo/dmarcpat/internal/imap/sessionmanager"
	"github.com/aaronromeo/dmarcpat/internal/mimetype"
)

type Search int

const (
	SearchAll Search = iota
	SearchSeen
	SearchUnseen
)

type Order int

const (
	Ascending Order = iota
	Descending
)

// Config identifies the server, the account and the folder.
type Config struct {
	Host           string
	Port           int
	Encryption     string
	NoValidateCert bool
	Auth           string
	Username       string
	Password       string
	Token          string
	Mailbox        string
	Timeout        time.Duration
	TLSConfig      *tls.Config
}

// Addr is host:port with the port defaulting to 993 for ssl and 143 otherwise.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 993
		if enc := strings.ToLower(c.Encryption); enc == sessionmanager.EncryptionSTARTTLS || enc == sessionmanager.EncryptionNone {
			port = 143
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) folder() string {
	if strings.TrimSpace(c.Mailbox) == "" {
		return "INBOX"
	}
	return c.Mailbox
}

// TransportFactory builds a fresh, unconnected transport for cfg.
type TransportFactory func(cfg Config) imaptransport.Transport

// NewIMAPTransport is the default TransportFactory.
func NewIMAPTransport(cfg Config) imaptransport.Transport {
	opts := []sessionmanager.Option{
		sessionmanager.WithAddr(cfg.Addr()),
		sessionmanager.WithEncryption(cfg.Encryption),
		sessionmanager.WithTimeout(cfg.Timeout),
	}
	if strings.EqualFold(cfg.Auth, sessionmanager.AuthOAuth) {
		opts = append(opts, sessionmanager.WithOAuthToken(cfg.Username, cfg.Token))
	} else {
		opts = append(opts,
			sessionmanager.WithCreds(cfg.Username, cfg.Password),
			sessionmanager.WithAuth(cfg.Auth),
		)
	}
	switch {
	case cfg.TLSConfig != nil:
		opts = append(opts, sessionmanager.WithTLSConfig(cfg.TLSConfig))
	case cfg.NoValidateCert:
		opts = append(opts, sessionmanager.WithTLSConfig(&tls.Config{InsecureSkipVerify: true})) //nolint:gosec
	}
	return imaptransport.New(opts...)
}

type Option func(*MailBox)

func WithLogger(logger *slog.Logger) Option {
	return func(m *MailBox) {
		m.logger = logger
	}
}

func WithTransportFactory(factory TransportFactory) Option {
	return func(m *MailBox) {
		m.newTransport = factory
	}
}

// WithExpectChildren makes Check fail for folders that cannot hold children.
func WithExpectChildren() Option {
	return func(m *MailBox) {
		m.expectChildren = true
	}
}

// WithSniffer sets the content sniffer used by attachments declared as
// application/octet-stream.
func WithSniffer(sniff mimetype.Sniffer) Option {
	return func(m *MailBox) {
		m.sniff = sniff
	}
}

// WithTempDir sets where large attachments are buffered.
func WithTempDir(dir string) Option {
	return func(m *MailBox) {
		m.tempDir = dir
	}
}

type MailBox struct {
	cfg            Config
	newTransport   TransportFactory
	logger         *slog.Logger
	expectChildren bool
	sniff          mimetype.Sniffer
	tempDir        string

	transport imaptransport.Transport
	selected  string
	info      *imap.ListData
	pending   *Pending
}

// Status holds the message counters of a folder.
type Status struct {
	Messages uint32 `json:"messages"`
	Unseen   uint32 `json:"unseen"`
}

func New(cfg Config, opts ...Option) *MailBox {
	m := &MailBox{
		cfg:          cfg,
		newTransport: NewIMAPTransport,
		sniff:        mimetype.ContentSniffer,
		pending:      &Pending{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Name is the folder path this MailBox points at.
func (m *MailBox) Name() string {
	return m.cfg.folder()
}

// Pending returns the queue of changes awaiting Expunge.
func (m *MailBox) Pending() *Pending {
	return m.pending
}

func (m *MailBox) connected() bool {
	return m.transport != nil && m.transport.Connected()
}

func (m *MailBox) connect(ctx context.Context) error {
	if m.connected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.transport != nil {
		_ = m.transport.Close()
	} else {
		m.transport = m.newTransport(m.cfg)
	}
	m.selected = ""
	if err := m.transport.Connect(); err != nil {
		if errs.IsConfig(err) {
			return err
		}
		return wrap(m.Name(), "connect", err)
	}
	m.logger.DebugContext(ctx, "connected to mailbox server",
		slog.String("addr", m.cfg.Addr()),
		slog.String("mailbox", m.Name()),
	)
	return nil
}

// lookup fetches the LIST entry of the folder. A missing folder is a soft
// failure.
func (m *MailBox) lookup(ctx context.Context) (*imap.ListData, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	if m.info != nil {
		return m.info, nil
	}
	data, err := m.transport.FindMailbox(ctx, m.Name())
	if err != nil {
		return nil, wrap(m.Name(), "list", err)
	}
	if data == nil {
		return nil, wrap(m.Name(), "list", errs.Soft("the mailbox does not exist"))
	}
	m.info = data
	return data, nil
}

func (m *MailBox) selectFolder(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	if m.selected == m.Name() {
		return nil
	}
	if _, err := m.transport.SelectMailbox(ctx, m.Name()); err != nil {
		return wrap(m.Name(), "select", err)
	}
	m.selected = m.Name()
	return nil
}

// Check verifies the folder can be read and returns its counters.
func (m *MailBox) Check(ctx context.Context) (Status, error) {
	info, err := m.lookup(ctx)
	if err != nil {
		return Status{}, err
	}
	if hasAttr(info, imap.MailboxAttrNoSelect) {
		return Status{}, wrap(m.Name(), "check", errs.Soft("not a real mailbox"))
	}
	if m.expectChildren && hasAttr(info, imap.MailboxAttrNoInferiors) {
		return Status{}, wrap(m.Name(), "check", errs.Soft("cannot have child folders"))
	}

	data, err := m.transport.MailboxStatus(ctx, m.Name())
	if err != nil {
		return Status{}, wrap(m.Name(), "status", err)
	}
	var status Status
	if data.NumMessages != nil {
		status.Messages = *data.NumMessages
	}
	if data.NumUnseen != nil {
		status.Unseen = *data.NumUnseen
	}
	return status, nil
}

// Messages lists the folder's messages matching search, ordered by date. Only
// headers are fetched; bodies load on first attachment access.
func (m *MailBox) Messages(ctx context.Context, search Search, order Order) ([]*Message, error) {
	if err := m.selectFolder(ctx); err != nil {
		return nil, err
	}

	var filter searches.Filter
	switch search {
	case SearchSeen:
		seen := true
		filter.Seen = &seen
	case SearchUnseen:
		seen := false
		filter.Seen = &seen
	}

	uids, err := m.transport.SearchUIDs(ctx, filter)
	if err != nil {
		return nil, wrap(m.Name(), "search", err)
	}
	overviews, err := m.transport.FetchOverviews(ctx, uids)
	if err != nil {
		return nil, wrap(m.Name(), "fetch", err)
	}

	// Server-side SORT is not available everywhere and is unreliable where it
	// is, so order by date here.
	sort.SliceStable(overviews, func(i, j int) bool {
		a, b := overviews[i].SortDate(), overviews[j].SortDate()
		if a.Equal(b) {
			return overviews[i].UID < overviews[j].UID
		}
		if order == Descending {
			return a.After(b)
		}
		return a.Before(b)
	})

	messages := make([]*Message, 0, len(overviews))
	for _, ov := range overviews {
		messages = append(messages, newMessage(m, m.pending, ov))
	}
	return messages, nil
}

func (m *MailBox) delimiter(ctx context.Context) (string, error) {
	info, err := m.lookup(ctx)
	if err != nil {
		return "", err
	}
	if info.Delim == 0 || hasAttr(info, imap.MailboxAttrNoInferiors) {
		return "", wrap(m.Name(), "child", errs.Soft("cannot have child folders"))
	}
	return string(info.Delim), nil
}

// ChildMailbox returns a MailBox for the subfolder name. It shares the
// configuration but opens its own connection when first used.
func (m *MailBox) ChildMailbox(ctx context.Context, name string) (*MailBox, error) {
	delim, err := m.delimiter(ctx)
	if err != nil {
		return nil, err
	}
	cfg := m.cfg
	cfg.Mailbox = m.Name() + delim + name
	return &MailBox{
		cfg:            cfg,
		newTransport:   m.newTransport,
		logger:         m.logger,
		expectChildren: m.expectChildren,
		sniff:          m.sniff,
		tempDir:        m.tempDir,
		pending:        &Pending{},
	}, nil
}

// EnsureMailbox creates the subfolder name when it does not exist yet and
// returns its full path.
func (m *MailBox) EnsureMailbox(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", wrap(m.Name(), "create", errs.Config("folder name is required"))
	}
	delim, err := m.delimiter(ctx)
	if err != nil {
		return "", err
	}
	path := m.Name() + delim + name

	existing, err := m.transport.FindMailbox(ctx, path)
	if err != nil {
		return "", wrap(m.Name(), "list", err)
	}
	if existing != nil {
		return path, nil
	}
	if err := m.transport.CreateMailbox(ctx, path); err != nil {
		return "", wrap(m.Name(), "create", errs.SoftWrap(err, "failed to create the mailbox "+path))
	}
	m.logger.InfoContext(ctx, "created mailbox", slog.String("mailbox", path))
	return path, nil
}

// Expunge makes queued moves and deletions final in the selected folder.
// Failures are logged, never returned.
func (m *MailBox) Expunge(ctx context.Context) {
	if !m.connected() || m.selected == "" {
		return
	}
	if m.pending.Len() == 0 {
		return
	}
	uids := m.pending.drain()
	if err := m.transport.ExpungeUIDs(ctx, uids); err != nil {
		m.logger.ErrorContext(ctx, "failed to expunge mailbox",
			slog.String("mailbox", m.Name()),
			slog.Any("error", err),
		)
		return
	}
	m.logger.DebugContext(ctx, "expunged mailbox",
		slog.String("mailbox", m.Name()),
		slog.Int("messages", len(uids)),
	)
}

// Cleanup closes the connection. Failures are logged, never returned.
func (m *MailBox) Cleanup(ctx context.Context) {
	if m.transport == nil {
		return
	}
	if m.connected() {
		if err := m.transport.Close(); err != nil {
			m.logger.ErrorContext(ctx, "failed to close mailbox connection",
				slog.String("mailbox", m.Name()),
				slog.Any("error", err),
			)
		}
	}
	m.transport = nil
	m.selected = ""
	m.info = nil
}

// ready makes sure the folder is selected before a message command.
func (m *MailBox) ready(ctx context.Context) (imaptransport.Transport, error) {
	if err := m.selectFolder(ctx); err != nil {
		return nil, err
	}
	return m.transport, nil
}

func hasAttr(info *imap.ListData, attr imap.MailboxAttr) bool {
	for _, a := range info.Attrs {
		if strings.EqualFold(string(a), string(attr)) {
			return true
		}
	}
	return false
}
