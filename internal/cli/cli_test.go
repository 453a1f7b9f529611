package cli

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/emersion/go-imap/v2"

	"github.com/aaronromeo/dmarcpat/ftest"
	"github.com/aaronromeo/dmarcpat/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var output, logs bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&logs)
	rootCmd.SetIn(strings.NewReader(""))
	err := rootCmd.Execute()
	return output.String(), err
}

func readTestdata(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "dmarc", "testdata", "google.com.xml"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	return data
}

func writeGzip(t *testing.T, path string, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestValidatePrintsSummary(t *testing.T) {
	t.Setenv("DMARCPAT_WEBHOOK_URL", "")
	path := writeConfig(t, `
database:
  dsn: ":memory:"
directories:
  - location: /var/spool/dmarc
schedule: "@every 1h"
`)

	output, err := runRoot(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{
		"- database: sqlite",
		"- mailboxes: 0",
		"- directories: 1",
		"- schedule: @every 1h",
		"- reporting webhook: disabled",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, output)
		}
	}
}

func TestMissingConfigPathIsConfigError(t *testing.T) {
	t.Setenv("DMARCPAT_CONFIG", "")

	_, err := runRoot(t, "validate", "--config", "")
	if err == nil {
		t.Fatal("expected validate to fail without a config path")
	}
	if !errs.IsConfig(err) {
		t.Fatalf("expected a config error, got: %v", err)
	}
	if exitCode(err) != 2 {
		t.Fatalf("expected exit code 2, got %d", exitCode(err))
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: oracle
  dsn: "x"
`)

	_, err := runRoot(t, "validate", "--config", path)
	if err == nil {
		t.Fatal("expected validate to reject the driver")
	}
	if !strings.Contains(err.Error(), "oracle") {
		t.Fatalf("expected driver in error, got: %v", err)
	}
}

func TestUploadLoadsReportOnce(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "dmarc.db")
	path := writeConfig(t, fmt.Sprintf("database:\n  driver: sqlite\n  dsn: %q\n", dsn))

	report := filepath.Join(dir, "google.com.xml")
	if err := os.WriteFile(report, readTestdata(t), 0o600); err != nil {
		t.Fatalf("write report: %v", err)
	}

	output, err := runRoot(t, "upload", "--config", path, report)
	if err != nil {
		t.Fatalf("upload: %v\n%s", err, output)
	}
	if !strings.Contains(output, "ok\tgoogle.com.xml\tthe report is loaded") {
		t.Fatalf("unexpected output:\n%s", output)
	}

	output, err = runRoot(t, "upload", "--config", path, report)
	if err == nil {
		t.Fatalf("expected the second upload to fail, got:\n%s", output)
	}
	if !strings.Contains(err.Error(), "1 of 1 reports were not loaded") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "failed\tgoogle.com.xml\t") {
		t.Fatalf("expected a failed line, got:\n%s", output)
	}
}

func TestFetchDirectory(t *testing.T) {
	root := t.TempDir()
	inbox := filepath.Join(root, "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeGzip(t, filepath.Join(inbox, "google.com.xml.gz"), readTestdata(t))
	if err := os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("not a report"), 0o600); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	path := writeConfig(t, fmt.Sprintf(`
database:
  dsn: %q
directories:
  - name: drop
    location: %q
`, filepath.Join(root, "dmarc.db"), inbox))

	output, err := runRoot(t, "fetch", "--config", path, "--source", "", "--dry-run=false", "--json")
	if err != nil {
		t.Fatalf("fetch: %v\n%s", err, output)
	}

	var reports []sourceReport
	if err := json.Unmarshal([]byte(output), &reports); err != nil {
		t.Fatalf("decode output: %v\n%s", err, output)
	}
	if len(reports) != 1 || reports[0].Kind != "directory" || reports[0].Name != "drop" {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if len(reports[0].Results) != 2 {
		t.Fatalf("expected 2 results, got %+v", reports[0].Results)
	}

	byName := map[string]bool{}
	for _, res := range reports[0].Results {
		byName[res.Filename] = res.OK()
	}
	if !byName["google.com.xml.gz"] {
		t.Fatalf("expected the gzip report to load: %+v", reports[0].Results)
	}
	if ok, seen := byName["notes.txt"]; !seen || ok {
		t.Fatalf("expected notes.txt to fail: %+v", reports[0].Results)
	}

	if _, err := os.Stat(filepath.Join(inbox, "google.com.xml.gz")); !os.IsNotExist(err) {
		t.Fatalf("expected the loaded report to be deleted, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(inbox, "failed", "notes.txt")); err != nil {
		t.Fatalf("expected notes.txt moved to failed/: %v", err)
	}
}

func TestFetchDryRunLeavesFiles(t *testing.T) {
	root := t.TempDir()
	writeGzip(t, filepath.Join(root, "google.com.xml.gz"), readTestdata(t))
	path := writeConfig(t, fmt.Sprintf(`
database:
  dsn: ":memory:"
directories:
  - name: drop
    location: %q
`, root))

	output, err := runRoot(t, "fetch", "--config", path, "--source", "drop", "--dry-run", "--json=false")
	if err != nil {
		t.Fatalf("fetch: %v\n%s", err, output)
	}
	if !strings.Contains(output, `directory "drop": 1 loaded, 0 failed`) {
		t.Fatalf("unexpected output:\n%s", output)
	}
	if _, err := os.Stat(filepath.Join(root, "google.com.xml.gz")); err != nil {
		t.Fatalf("expected the report to stay in place: %v", err)
	}
}

func TestFetchUnknownSource(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`
database:
  dsn: ":memory:"
directories:
  - name: drop
    location: %q
`, t.TempDir()))

	_, err := runRoot(t, "fetch", "--config", path, "--source", "elsewhere", "--dry-run=false", "--json=false")
	if err == nil {
		t.Fatal("expected fetch to fail for an unknown source")
	}
	if !errs.IsConfig(err) || !strings.Contains(err.Error(), `no source named "elsewhere"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchMissingDirectoryFailsSource(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`
database:
  dsn: ":memory:"
directories:
  - name: gone
    location: %q
`, filepath.Join(t.TempDir(), "missing")))

	output, err := runRoot(t, "fetch", "--config", path, "--source", "", "--dry-run=false", "--json=false")
	if err == nil {
		t.Fatalf("expected fetch to fail, got:\n%s", output)
	}
	if !strings.Contains(err.Error(), "1 of 1 sources could not be read") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "failed to read the directory") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}

func TestCheckMailbox(t *testing.T) {
	caps := imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapUIDPlus: {}, imap.CapMove: {}}
	srv := ftest.SetupIMAPServer(t, caps, nil, []ftest.RawMessage{
		{Raw: ftest.ReportMessage(t, "someone@example.org", "Hello", time.Now().Add(-time.Hour))},
	})
	host, port, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	path := writeConfig(t, fmt.Sprintf(`
database:
  dsn: ":memory:"
mailboxes:
  - name: reports
    host: %q
    port: %s
    encryption: ssl
    novalidate_cert: true
    username: %q
    password: %q
    timeout: 5s
`, host, port, ftest.DefaultUser, ftest.DefaultPass))

	output, err := runRoot(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check: %v\n%s", err, output)
	}

	var checks []mailboxCheck
	if err := json.Unmarshal([]byte(output), &checks); err != nil {
		t.Fatalf("decode output: %v\n%s", err, output)
	}
	if len(checks) != 1 || !checks[0].OK() {
		t.Fatalf("unexpected checks: %+v", checks)
	}
	if checks[0].Status == nil || checks[0].Status.Messages != 1 || checks[0].Status.Unseen != 1 {
		t.Fatalf("unexpected status: %+v", checks[0].Status)
	}
}

func TestCredentialSet(t *testing.T) {
	ring := keyring.NewArrayKeyring(nil)
	previous := keyringOpener
	keyringOpener = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { keyringOpener = previous })

	var output bytes.Buffer
	rootCmd.SetArgs([]string{"credential", "set", "imap-password"})
	rootCmd.SetOut(&output)
	rootCmd.SetErr(&output)
	rootCmd.SetIn(strings.NewReader("s3cret\n"))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("credential set: %v", err)
	}

	if !strings.Contains(output.String(), "reference it as keyring:imap-password") {
		t.Fatalf("unexpected output: %s", output.String())
	}
	item, err := ring.Get("imap-password")
	if err != nil {
		t.Fatalf("get stored item: %v", err)
	}
	if string(item.Data) != "s3cret" {
		t.Fatalf("expected stored secret, got %q", item.Data)
	}
}

func TestCredentialSetRequiresValue(t *testing.T) {
	_, err := runRoot(t, "credential", "set", "empty")
	if err == nil || !errs.IsConfig(err) {
		t.Fatalf("expected a config error, got: %v", err)
	}
}
