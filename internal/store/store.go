// Package store keeps parsed aggregate reports and the ingestion log in a
// relational database (SQLite or PostgreSQL).
package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/aaronromeo/dmarcpat/internal/dmarc"
	"github.com/aaronromeo/dmarcpat/internal/errs"
)

// Origin is the kind of channel a report arrived through.
type Origin string

const (
	OriginUpload    Origin = "upload"
	OriginEmail     Origin = "email"
	OriginDirectory Origin = "directory"
	OriginRemote    Origin = "remote"
)

// Meta describes where a report body came from.
type Meta struct {
	Origin   Origin
	Source   string
	Filename string
}

type ReportRef struct {
	ID       int64  `json:"id"`
	Domain   string `json:"domain"`
	OrgName  string `json:"org_name"`
	ReportID string `json:"report_id"`
	Records  int    `json:"records"`
}

// Outcome is one line of the ingestion log.
type Outcome struct {
	Origin    Origin
	Source    string
	Filename  string
	Domain    string
	ReportID  string
	Success   bool
	Message   string
	RunID     string
	EventTime time.Time
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, errs.Configf("unsupported database driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errs.Config("database dsn is required")
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if driver == DriverSQLite {
		// One writer; an in-memory database also only lives as long as its connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "enabling foreign keys")
		}
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return errors.Wrap(err, "creating schema_version")
	}

	var current int
	if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return errors.Wrap(err, "reading schema version")
	}

	for _, m := range migrationsFor(s.driver) {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range m.sql {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return errors.Wrapf(err, "applying migration v%d", m.version)
			}
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind("INSERT INTO schema_version (version) VALUES (?)"), m.version); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "recording migration v%d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.DebugContext(ctx, "applied migration", slog.Int("version", m.version))
	}
	return nil
}

// SaveReport parses body and stores the report with its records. A report
// already stored under the same organization and id is a soft failure.
func (s *Store) SaveReport(ctx context.Context, body io.Reader, meta Meta) (*ReportRef, error) {
	fb, err := dmarc.Parse(body)
	if err != nil {
		return nil, err
	}
	md := fb.ReportMetadata
	ref := &ReportRef{
		Domain:   fb.PolicyPublished.Domain,
		OrgName:  md.OrgName,
		ReportID: md.ReportID,
		Records:  len(fb.Records),
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists,
		s.db.Rebind("SELECT COUNT(*) FROM reports WHERE org = ? AND external_id = ?"),
		md.OrgName, md.ReportID,
	); err != nil {
		return nil, errors.Wrap(err, "checking for a duplicate report")
	}
	if exists > 0 {
		return ref, errs.Soft("the report is already loaded")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	pp := fb.PolicyPublished
	err = tx.GetContext(ctx, &ref.ID, s.db.Rebind(`
		INSERT INTO reports (
			domain, begin_time, end_time, loaded_time, org, external_id,
			email, extra_contact_info, error,
			policy_adkim, policy_aspf, policy_p, policy_sp, policy_pct, policy_fo,
			origin, source, filename
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		pp.Domain, md.DateRange.BeginTime(), md.DateRange.EndTime(), s.now().UTC(), md.OrgName, md.ReportID,
		md.Email, md.ExtraContactInfo, strings.Join(md.Errors, "\n"),
		pp.ADKIM, pp.ASPF, pp.P, pp.SP, pp.Pct, pp.Fo,
		string(meta.Origin), meta.Source, meta.Filename,
	)
	if err != nil {
		return nil, errors.Wrap(err, "inserting report")
	}

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(`
		INSERT INTO report_records (
			report_id, ip, rcount, disposition, reason, dkim_auth, spf_auth,
			dkim_align, spf_align, envelope_to, envelope_from, header_from
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return nil, errors.Wrap(err, "preparing record insert")
	}
	defer stmt.Close()

	for i, rec := range fb.Records {
		reason, dkim, spf, err := encodeRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding record %d", i)
		}
		pe := rec.Row.PolicyEvaluated
		id := rec.Identifiers
		if _, err := stmt.ExecContext(ctx,
			ref.ID, strings.TrimSpace(rec.Row.SourceIP), rec.Row.Count, pe.Disposition, reason, dkim, spf,
			pe.DKIM, pe.SPF, id.EnvelopeTo, id.EnvelopeFrom, id.HeaderFrom,
		); err != nil {
			return nil, errors.Wrapf(err, "inserting record %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing report")
	}
	return ref, nil
}

func encodeRecord(rec dmarc.Record) (string, string, string, error) {
	reason, err := json.Marshal(nonNil(rec.Row.PolicyEvaluated.Reasons))
	if err != nil {
		return "", "", "", err
	}
	dkim, err := json.Marshal(nonNil(rec.AuthResults.DKIM))
	if err != nil {
		return "", "", "", err
	}
	spf, err := json.Marshal(nonNil(rec.AuthResults.SPF))
	if err != nil {
		return "", "", "", err
	}
	return string(reason), string(dkim), string(spf), nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// LogOutcome appends an entry to the ingestion log.
func (s *Store) LogOutcome(ctx context.Context, o Outcome) error {
	eventTime := o.EventTime
	if eventTime.IsZero() {
		eventTime = s.now()
	}
	success := 0
	if o.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO report_log (
			domain, external_id, event_time, filename, origin, source, success, message, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.Domain, o.ReportID, eventTime.UTC(), o.Filename, string(o.Origin), o.Source, success, o.Message, o.RunID,
	)
	if err != nil {
		return errors.Wrap(err, "writing report log")
	}
	return nil
}

// LogEntry is a stored Outcome.
type LogEntry struct {
	ID       int64  `db:"id" json:"id"`
	Domain   string `db:"domain" json:"domain,omitempty"`
	ReportID string `db:"external_id" json:"report_id,omitempty"`
	Filename string `db:"filename" json:"filename,omitempty"`
	Origin   string `db:"origin" json:"origin"`
	Source   string `db:"source" json:"source,omitempty"`
	Success  int    `db:"success" json:"success"`
	Message  string `db:"message" json:"message"`
	RunID    string `db:"run_id" json:"run_id,omitempty"`
}

// RecentLog returns the latest log entries, newest first.
func (s *Store) RecentLog(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []LogEntry
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`
		SELECT id, domain, external_id, filename, origin, source, success, message, run_id
		FROM report_log ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading report log")
	}
	return entries, nil
}
