package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/reportfile"
	"github.com/aaronromeo/dmarcpat/internal/sourceaction"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

// DirectoryJob is one watched local directory.
type DirectoryJob struct {
	Name       string
	Location   string
	Limit      int
	WhenDone   []sourceaction.Action
	WhenFailed []sourceaction.Action
}

// ProcessDirectory loads the regular files directly inside the directory in
// name order. Subdirectories, including move targets, are skipped.
func (d *Driver) ProcessDirectory(ctx context.Context, job DirectoryJob) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.ProcessDirectory", trace.WithAttributes(attribute.String("source", job.Name)))
	defer span.End()

	logger := d.logger.With(slog.String("directory", job.Name))
	entries, err := os.ReadDir(job.Location)
	if err != nil {
		span.RecordError(err)
		err = errs.SoftWrap(err, "failed to read the directory")
		logger.ErrorContext(ctx, "directory listing failed", slog.Any("error", err))
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	if job.Limit > 0 && len(names) > job.Limit {
		logger.InfoContext(ctx, "file limit reached", slog.Int("found", len(names)), slog.Int("limit", job.Limit))
		names = names[:job.Limit]
	}

	results := make([]Result, 0, len(names))
	for _, name := range names {
		path := filepath.Join(job.Location, name)
		res := d.processLocalFile(ctx, job, path, name)
		results = append(results, res)

		actions := job.WhenDone
		if !res.OK() {
			actions = job.WhenFailed
		}
		d.applyFileActions(ctx, logger, job.Location, path, actions)
	}

	d.announce(ctx, "directory", job.Name, results)
	return results, nil
}

func (d *Driver) processLocalFile(ctx context.Context, job DirectoryJob, path, name string) Result {
	meta := store.Meta{Origin: store.OriginDirectory, Source: job.Name, Filename: name}
	container, err := reportfile.Open(path, name, d.containerOptions("")...)
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	defer d.closeContainer(container)
	return d.load(ctx, container, meta)
}

// applyFileActions runs actions for a local file. Marking as seen has no
// meaning for files and is skipped.
func (d *Driver) applyFileActions(ctx context.Context, logger *slog.Logger, dir, path string, actions []sourceaction.Action) {
	if d.dryRun {
		return
	}
	for _, action := range actions {
		var err error
		switch action.Type {
		case sourceaction.MarkSeen:
			continue
		case sourceaction.MoveTo:
			err = moveFile(dir, path, action.Param)
		case sourceaction.Delete:
			err = os.Remove(path)
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to apply the file action",
				slog.String("action", action.String()),
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
		return
	}
}

func moveFile(dir, path, sub string) error {
	target := filepath.Join(dir, sub)
	if err := os.MkdirAll(target, 0o750); err != nil {
		return errors.Wrapf(err, "creating %s", target)
	}
	dest := filepath.Join(target, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return errors.Wrapf(err, "moving to %s", dest)
	}
	return nil
}
