package ftest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	giimapserver "github.com/emersion/go-imap/v2/imapserver"
	giimapmemserver "github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-message/mail"
)

const (
	DefaultUser = "dmarc@example.com"
	DefaultPass = "password"
)

type RawMessage struct {
	Mailbox string
	Raw     string
	Time    time.Time
	Flags   []imap.Flag
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Server is an in-memory IMAP server listening on a TLS loopback socket.
type Server struct {
	Addr string
	UIDs []uint32
}

// SetupIMAPServer starts a server holding messages and returns it. Everything
// is torn down through t.Cleanup.
func SetupIMAPServer(t *testing.T, caps imap.CapSet, mailboxes []string, messages []RawMessage) *Server {
	t.Helper()

	tlsConfig := testTLSConfig(t)
	mem := giimapmemserver.New()
	user := giimapmemserver.NewUser(DefaultUser, DefaultPass)
	mem.AddUser(user)

	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create mailbox: %v", err)
	}
	for _, mailbox := range mailboxes {
		if strings.TrimSpace(mailbox) == "" {
			continue
		}
		if err := user.Create(mailbox, nil); err != nil {
			t.Fatalf("create mailbox %q: %v", mailbox, err)
		}
	}

	srv := &Server{}
	for _, msg := range messages {
		mailbox := strings.TrimSpace(msg.Mailbox)
		if mailbox == "" {
			mailbox = "INBOX"
		}
		appendTime := msg.Time
		if appendTime.IsZero() {
			appendTime = time.Now()
		}
		data, err := user.Append(mailbox, newLiteral(t, msg.Raw), &imap.AppendOptions{
			Time:  appendTime,
			Flags: msg.Flags,
		})
		if err != nil {
			t.Fatalf("append raw message: %v", err)
		}
		srv.UIDs = append(srv.UIDs, uint32(data.UID))
	}

	server := giimapserver.New(&giimapserver.Options{
		NewSession: func(*giimapserver.Conn) (giimapserver.Session, *giimapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         caps,
		TLSConfig:    tlsConfig,
		InsecureAuth: true,
	})

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = server.Close()
		_ = ln.Close()
		select {
		case <-errCh:
		default:
		}
	})

	srv.Addr = ln.Addr().String()
	return srv
}

// ReportMessage builds a message from sender carrying the given attachments.
// With no attachments the message is a single text part.
func ReportMessage(t *testing.T, from, subject string, date time.Time, attachments ...Attachment) string {
	t.Helper()

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: DefaultUser}})
	h.SetSubject(subject)

	var buf bytes.Buffer
	if len(attachments) == 0 {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		_, _ = io.WriteString(w, "No report in this one.\r\n")
		if err := w.Close(); err != nil {
			t.Fatalf("close message: %v", err)
		}
		return buf.String()
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatalf("create inline: %v", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(th)
	if err != nil {
		t.Fatalf("create text part: %v", err)
	}
	_, _ = io.WriteString(pw, "This is an aggregate report.\r\n")
	_ = pw.Close()
	_ = tw.Close()

	for _, att := range attachments {
		var ah mail.AttachmentHeader
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatalf("create attachment: %v", err)
		}
		if _, err := w.Write(att.Data); err != nil {
			t.Fatalf("write attachment: %v", err)
		}
		_ = w.Close()
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close message: %v", err)
	}
	return buf.String()
}

type literalReader struct {
	*bytes.Reader
	size int64
}

func newLiteral(t *testing.T, raw string) imap.LiteralReader {
	t.Helper()
	buf := []byte(raw)
	return &literalReader{
		Reader: bytes.NewReader(buf),
		size:   int64(len(buf)),
	}
}

func (lr *literalReader) Size() int64 {
	return lr.size
}

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"imap"},
	}
}
