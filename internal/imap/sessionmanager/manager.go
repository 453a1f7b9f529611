package sessionmanager

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	giimapclient "github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/imap/base"
)

const (
	AuthPlain = "plain"
	AuthOAuth = "oauth"

	EncryptionSSL      = "ssl"
	EncryptionSTARTTLS = "starttls"
	EncryptionNone     = "none"

	DefaultTimeout = 30 * time.Second
)

type Option func(*IMAPConnector)

type ServerConnector interface {
	Connect() error
	Close() error
	Connected() bool

	IMAPClient() *giimapclient.Client
	Guard(ctx context.Context) func()
}

type IMAPConnector struct {
	Addr                  string
	Username              string
	Password              string
	Token                 string
	Auth                  string
	Encryption            string
	Timeout               time.Duration
	TLSConfig             *tls.Config
	UnilateralDataHandler *giimapclient.UnilateralDataHandler

	conn net.Conn
	base.State
}

func WithAddr(a string) Option {
	return func(c *IMAPConnector) {
		c.Addr = a
	}
}

func WithCreds(username string, password string) Option {
	return func(c *IMAPConnector) {
		c.Username = username
		c.Password = password
	}
}

// WithOAuthToken switches authentication to OAUTHBEARER with the given token.
func WithOAuthToken(username string, token string) Option {
	return func(c *IMAPConnector) {
		c.Username = username
		c.Token = token
		c.Auth = AuthOAuth
	}
}

func WithAuth(method string) Option {
	return func(c *IMAPConnector) {
		c.Auth = method
	}
}

func WithEncryption(mode string) Option {
	return func(c *IMAPConnector) {
		c.Encryption = mode
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *IMAPConnector) {
		c.Timeout = d
	}
}

func WithTLSConfig(config *tls.Config) Option {
	return func(state *IMAPConnector) {
		state.TLSConfig = config
	}
}

func WithUnilateralDataHandler(handler *giimapclient.UnilateralDataHandler) Option {
	return func(state *IMAPConnector) {
		state.UnilateralDataHandler = handler
	}
}

func NewServerConnector(opts ...Option) *IMAPConnector {
	c := &IMAPConnector{}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *IMAPConnector) IMAPClient() *giimapclient.Client {
	return c.Client
}

// Connected reports whether a logged-in connection is available.
func (c *IMAPConnector) Connected() bool {
	if c.Client == nil {
		return false
	}
	return c.Client.State() != imap.ConnStateLogout && c.Client.State() != imap.ConnStateNone
}

// Connect dials the server, waits for the greeting and authenticates.
func (c *IMAPConnector) Connect() error {
	if err := validateDeps(c); err != nil {
		return err
	}

	options := &giimapclient.Options{
		TLSConfig:             c.tlsConfig(),
		UnilateralDataHandler: c.UnilateralDataHandler,
	}
	dialer := &net.Dialer{Timeout: c.timeout()}

	var (
		conn   net.Conn
		client *giimapclient.Client
		err    error
	)
	switch c.encryption() {
	case EncryptionSSL:
		conn, err = tls.DialWithDialer(dialer, "tcp", c.Addr, options.TLSConfig)
		if err != nil {
			return err
		}
		client = giimapclient.New(conn, options)
	case EncryptionSTARTTLS:
		conn, err = dialer.Dial("tcp", c.Addr)
		if err != nil {
			return err
		}
		_ = conn.SetDeadline(time.Now().Add(c.timeout()))
		client, err = giimapclient.NewStartTLS(conn, options)
		if err != nil {
			_ = conn.Close()
			return err
		}
	default:
		conn, err = dialer.Dial("tcp", c.Addr)
		if err != nil {
			return err
		}
		client = giimapclient.New(conn, options)
	}

	_ = conn.SetDeadline(time.Now().Add(c.timeout()))
	if err := client.WaitGreeting(); err != nil {
		_ = client.Close()
		return err
	}
	if err := c.authenticate(client); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.Client = client
	return nil
}

func (c *IMAPConnector) authenticate(client *giimapclient.Client) error {
	switch c.auth() {
	case AuthPlain:
		return client.Login(c.Username, c.Password).Wait()
	case AuthOAuth:
		return client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.Username,
			Token:    c.Token,
		}))
	default:
		return errs.Configf("unsupported authentication method %q", c.Auth)
	}
}

// Guard bounds the next command by the connector timeout and by ctx. Call the
// returned func once the command has completed.
func (c *IMAPConnector) Guard(ctx context.Context) func() {
	conn := c.conn
	if conn == nil {
		return func() {}
	}
	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// Close logs out and clears the connection.
func (c *IMAPConnector) Close() error {
	if c.Client == nil {
		return nil
	}
	release := c.Guard(context.Background())
	err := c.Client.Logout().Wait()
	release()
	_ = c.Client.Close()
	c.Client = nil
	c.conn = nil
	return err
}

func (c *IMAPConnector) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *IMAPConnector) auth() string {
	if strings.TrimSpace(c.Auth) == "" {
		return AuthPlain
	}
	return strings.ToLower(strings.TrimSpace(c.Auth))
}

func (c *IMAPConnector) encryption() string {
	if strings.TrimSpace(c.Encryption) == "" {
		return EncryptionSSL
	}
	return strings.ToLower(strings.TrimSpace(c.Encryption))
}

func (c *IMAPConnector) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(c.Addr); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}

func validateDeps(state *IMAPConnector) error {
	if strings.TrimSpace(state.Addr) == "" {
		return errs.Config("IMAP address is required")
	}
	switch state.encryption() {
	case EncryptionSSL, EncryptionSTARTTLS, EncryptionNone:
	default:
		return errs.Configf("unsupported encryption %q", state.Encryption)
	}

	switch state.auth() {
	case AuthPlain:
		if strings.TrimSpace(state.Username) == "" || strings.TrimSpace(state.Password) == "" {
			return errs.Config("IMAP credentials are required")
		}
	case AuthOAuth:
		if strings.TrimSpace(state.Username) == "" || strings.TrimSpace(state.Token) == "" {
			return errs.Config("IMAP OAuth token is required")
		}
	default:
		return errs.Configf("unsupported authentication method %q", state.Auth)
	}

	return nil
}
