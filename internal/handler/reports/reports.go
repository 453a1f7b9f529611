// Package reports serves the HTTP upload endpoint for report files.
package reports

import (
	"context"
	"io"
	"log/slog"

	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/ingest"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

const (
	formField = "report"
	bodyLimit = 32 << 20
)

// Uploader loads one uploaded report file.
type Uploader interface {
	ProcessUpload(ctx context.Context, r io.Reader, filename string) ingest.Result
}

// LogReader returns the latest ingestion log entries.
type LogReader interface {
	RecentLog(ctx context.Context, limit int) ([]store.LogEntry, error)
}

type Handler struct {
	uploader Uploader
	log      LogReader
	logger   *slog.Logger
}

func New(uploader Uploader, log LogReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uploader: uploader, log: log, logger: logger}
}

// NewApp builds the fiber app with every route.
func NewApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "dmarcpat",
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(otelfiber.Middleware())

	app.Get("/healthz", h.Health)
	app.Post("/api/reports", h.Upload)
	app.Get("/api/log", h.Log)
	return app
}

func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Upload loads every file sent in the "report" form field and answers with
// one result per file.
func (h *Handler) Upload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errs.Result{
			ErrorCode: errs.CodeSoft,
			Message:   "expected a multipart form",
		})
	}
	files := form.File[formField]
	if len(files) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(errs.Result{
			ErrorCode: errs.CodeSoft,
			Message:   "no report files uploaded",
		})
	}

	ctx := c.UserContext()
	results := make([]ingest.Result, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to open uploaded file", slog.String("filename", fh.Filename), slog.Any("error", err))
			results = append(results, ingest.Result{
				Result:   errs.ResultOf(errs.SoftWrap(err, "failed to open report stream"), ""),
				Filename: fh.Filename,
			})
			continue
		}
		// The report container closes f.
		results = append(results, h.uploader.ProcessUpload(ctx, f, fh.Filename))
	}

	loaded, failed := ingest.Tally(results)
	return c.JSON(fiber.Map{
		"loaded":  loaded,
		"failed":  failed,
		"results": results,
	})
}

// Log lists recent ingestion log entries. The limit query parameter caps the
// count.
func (h *Handler) Log(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	entries, err := h.log.RecentLog(c.UserContext(), limit)
	if err != nil {
		h.logger.ErrorContext(c.UserContext(), "failed to read the report log", slog.Any("error", err))
		return c.Status(fiber.StatusInternalServerError).JSON(errs.ResultOf(err, ""))
	}
	if entries == nil {
		entries = []store.LogEntry{}
	}
	return c.JSON(entries)
}
