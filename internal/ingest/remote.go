package ingest

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaronromeo/dmarcpat/internal/remotefs"
	"github.com/aaronromeo/dmarcpat/internal/reportfile"
	"github.com/aaronromeo/dmarcpat/internal/sourceaction"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

// RemoteJob is one bucket location.
type RemoteJob struct {
	Name       string
	FS         RemoteStore
	Limit      int
	WhenDone   []sourceaction.Action
	WhenFailed []sourceaction.Action
}

// ProcessRemote loads the report files under the bucket prefix in key order.
// Objects are streamed, so gzip files are inflated without seeking.
func (d *Driver) ProcessRemote(ctx context.Context, job RemoteJob) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.ProcessRemote", trace.WithAttributes(
		attribute.String("source", job.Name),
		attribute.String("location", job.FS.Location()),
	))
	defer span.End()

	logger := d.logger.With(slog.String("remote", job.Name))
	objects, err := job.FS.List(ctx)
	if err != nil {
		span.RecordError(err)
		logger.ErrorContext(ctx, "remote listing failed", slog.Any("error", err))
		return nil, err
	}
	if job.Limit > 0 && len(objects) > job.Limit {
		logger.InfoContext(ctx, "file limit reached", slog.Int("found", len(objects)), slog.Int("limit", job.Limit))
		objects = objects[:job.Limit]
	}

	results := make([]Result, 0, len(objects))
	for _, obj := range objects {
		res := d.processObject(ctx, job, obj)
		results = append(results, res)

		actions := job.WhenDone
		if !res.OK() {
			actions = job.WhenFailed
		}
		d.applyObjectActions(ctx, logger, job.FS, obj, actions)
	}

	d.announce(ctx, "remote filesystem", job.Name, results)
	return results, nil
}

func (d *Driver) processObject(ctx context.Context, job RemoteJob, obj remotefs.Object) Result {
	meta := store.Meta{Origin: store.OriginRemote, Source: job.Name, Filename: obj.Name}
	body, err := job.FS.Open(ctx, obj.Key)
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	container, err := reportfile.FromStream(body, obj.Name, d.containerOptions("")...)
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	defer d.closeContainer(container)
	return d.load(ctx, container, meta)
}

func (d *Driver) applyObjectActions(ctx context.Context, logger *slog.Logger, fs RemoteStore, obj remotefs.Object, actions []sourceaction.Action) {
	if d.dryRun {
		return
	}
	for _, action := range actions {
		var err error
		switch action.Type {
		case sourceaction.MarkSeen:
			continue
		case sourceaction.MoveTo:
			_, err = fs.Move(ctx, obj.Key, action.Param)
		case sourceaction.Delete:
			err = fs.Delete(ctx, obj.Key)
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to apply the object action",
				slog.String("action", action.String()),
				slog.String("key", obj.Key),
				slog.Any("error", err),
			)
		}
		return
	}
}
