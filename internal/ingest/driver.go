// Package ingest drives report sources: it pulls report files out of uploads,
// mailboxes, directories and buckets, hands them to the store and applies the
// configured post-processing actions.
package ingest

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aaronromeo/dmarcpat/internal/announcer"
	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/mimetype"
	"github.com/aaronromeo/dmarcpat/internal/reportfile"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

const instrumentationName = "github.com/aaronromeo/dmarcpat/internal/ingest"

var tracer = otel.Tracer(instrumentationName)

const msgLoaded = "the report is loaded"

// Result is the outcome of one report file.
type Result struct {
	errs.Result
	Source   string           `json:"source,omitempty"`
	Filename string           `json:"filename,omitempty"`
	Report   *store.ReportRef `json:"report,omitempty"`
}

type Option func(*Driver)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

func WithAnnouncer(a announcer.Service) Option {
	return func(d *Driver) {
		d.announcer = a
	}
}

// WithRunID tags log entries with id instead of a generated one.
func WithRunID(id string) Option {
	return func(d *Driver) {
		d.runID = id
	}
}

// WithDryRun stores reports but leaves the sources untouched.
func WithDryRun() Option {
	return func(d *Driver) {
		d.dryRun = true
	}
}

func WithSniffer(sniff mimetype.Sniffer) Option {
	return func(d *Driver) {
		d.sniff = sniff
	}
}

func WithTempDir(dir string) Option {
	return func(d *Driver) {
		d.tempDir = dir
	}
}

type Driver struct {
	persister Persister
	logger    *slog.Logger
	announcer announcer.Service
	runID     string
	dryRun    bool
	sniff     mimetype.Sniffer
	tempDir   string

	processed metric.Int64Counter
}

func New(persister Persister, opts ...Option) *Driver {
	d := &Driver{
		persister: persister,
		sniff:     mimetype.ContentSniffer,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	d.logger = d.logger.With(slog.String("run_id", d.runID))

	counter, err := otel.Meter(instrumentationName).Int64Counter("dmarcpat.reports.processed",
		metric.WithDescription("Report files processed, by origin and outcome"))
	if err != nil {
		d.logger.Warn("failed to create the reports counter", slog.Any("error", err))
	}
	d.processed = counter
	return d
}

func (d *Driver) RunID() string {
	return d.runID
}

func (d *Driver) containerOptions(declared string) []reportfile.Option {
	opts := []reportfile.Option{
		reportfile.WithSniffer(d.sniff),
		reportfile.WithTempDir(d.tempDir),
		reportfile.WithLogger(d.logger),
	}
	if declared != "" {
		opts = append(opts, reportfile.WithMimeType(declared))
	}
	return opts
}

// ProcessUpload loads a report received as an uploaded file. r does not need
// to be seekable.
func (d *Driver) ProcessUpload(ctx context.Context, r io.Reader, filename string) Result {
	meta := store.Meta{Origin: store.OriginUpload, Filename: filename}
	container, err := reportfile.FromStream(r, filename, d.containerOptions("")...)
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	defer d.closeContainer(container)
	return d.load(ctx, container, meta)
}

// ProcessFile loads the report stored at path as an uploaded file. filename
// defaults to the base name of path.
func (d *Driver) ProcessFile(ctx context.Context, path, filename string) Result {
	container, err := reportfile.Open(path, filename, d.containerOptions("")...)
	if err != nil {
		if filename == "" {
			filename = path
		}
		return d.finish(ctx, store.Meta{Origin: store.OriginUpload, Filename: filename}, nil, err)
	}
	defer d.closeContainer(container)
	return d.load(ctx, container, store.Meta{Origin: store.OriginUpload, Filename: container.Filename()})
}

// load stores the report in container and records the outcome.
func (d *Driver) load(ctx context.Context, container *reportfile.Container, meta store.Meta) Result {
	stream, err := container.Stream()
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	ref, err := d.persister.SaveReport(ctx, stream, meta)
	return d.finish(ctx, meta, ref, err)
}

// finish turns the outcome into a Result, writes it to the ingestion log and
// counts it.
func (d *Driver) finish(ctx context.Context, meta store.Meta, ref *store.ReportRef, err error) Result {
	res := Result{
		Result:   errs.ResultOf(err, msgLoaded),
		Source:   meta.Source,
		Filename: meta.Filename,
		Report:   ref,
	}

	outcome := store.Outcome{
		Origin:   meta.Origin,
		Source:   meta.Source,
		Filename: meta.Filename,
		Success:  res.OK(),
		Message:  res.Message,
		RunID:    d.runID,
	}
	if ref != nil {
		outcome.Domain = ref.Domain
		outcome.ReportID = ref.ReportID
	}
	if logErr := d.persister.LogOutcome(ctx, outcome); logErr != nil {
		d.logger.ErrorContext(ctx, "failed to write the report log", slog.Any("error", logErr))
	}

	status := "loaded"
	if !res.OK() {
		status = "failed"
		d.logger.WarnContext(ctx, "report not loaded",
			slog.String("origin", string(meta.Origin)),
			slog.String("source", meta.Source),
			slog.String("filename", meta.Filename),
			slog.Int("error_code", res.ErrorCode),
			slog.String("message", res.Message),
		)
	} else {
		d.logger.InfoContext(ctx, "report loaded",
			slog.String("origin", string(meta.Origin)),
			slog.String("source", meta.Source),
			slog.String("filename", meta.Filename),
			slog.String("report_id", outcome.ReportID),
		)
	}
	if d.processed != nil {
		d.processed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("origin", string(meta.Origin)),
			attribute.String("status", status),
		))
	}
	return res
}

func (d *Driver) closeContainer(c *reportfile.Container) {
	if err := c.Close(); err != nil {
		d.logger.Warn("failed to release the report file", slog.String("filename", c.Filename()), slog.Any("error", err))
	}
}

// announce posts the run summary for a source. Failures are only logged.
func (d *Driver) announce(ctx context.Context, kind, source string, results []Result) {
	if d.announcer == nil || len(results) == 0 {
		return
	}
	loaded, failed := Tally(results)
	if err := d.announcer.Announce(ctx, announcer.RunSummary(kind, source, loaded, failed)); err != nil {
		d.logger.ErrorContext(ctx, "failed to announce the run", slog.Any("error", err))
	}
}

// Tally counts successful and failed results.
func Tally(results []Result) (loaded, failed int) {
	for _, r := range results {
		if r.OK() {
			loaded++
		} else {
			failed++
		}
	}
	return loaded, failed
}
