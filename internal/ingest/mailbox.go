package ingest

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaronromeo/dmarcpat/internal/mailbox"
	"github.com/aaronromeo/dmarcpat/internal/reportfile"
	"github.com/aaronromeo/dmarcpat/internal/sourceaction"
	"github.com/aaronromeo/dmarcpat/internal/store"
)

// MailboxJob is one configured mailbox and its actions.
type MailboxJob struct {
	Name       string
	Box        *mailbox.MailBox
	Limit      int
	WhenDone   []sourceaction.Action
	WhenFailed []sourceaction.Action
}

// ProcessMailbox loads the reports attached to unseen messages, oldest first.
// The returned error is set when the mailbox could not be read at all.
func (d *Driver) ProcessMailbox(ctx context.Context, job MailboxJob) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.ProcessMailbox", trace.WithAttributes(attribute.String("source", job.Name)))
	defer span.End()

	box := job.Box
	defer box.Cleanup(ctx)

	logger := d.logger.With(slog.String("mailbox", job.Name))
	if _, err := box.Check(ctx); err != nil {
		span.RecordError(err)
		logger.ErrorContext(ctx, "mailbox check failed", slog.Any("error", err))
		return nil, err
	}
	messages, err := box.Messages(ctx, mailbox.SearchUnseen, mailbox.Ascending)
	if err != nil {
		span.RecordError(err)
		logger.ErrorContext(ctx, "failed to list messages", slog.Any("error", err))
		return nil, err
	}
	if job.Limit > 0 && len(messages) > job.Limit {
		logger.InfoContext(ctx, "message limit reached", slog.Int("found", len(messages)), slog.Int("limit", job.Limit))
		messages = messages[:job.Limit]
	}

	results := make([]Result, 0, len(messages))
	for _, msg := range messages {
		res := d.processMessage(ctx, job, msg)
		results = append(results, res)

		actions := job.WhenDone
		if !res.OK() {
			actions = job.WhenFailed
		}
		d.applyMessageActions(ctx, logger, box, msg, actions)
		if err := msg.Close(); err != nil {
			logger.Warn("failed to release the attachment", slog.Any("error", err))
		}
	}
	box.Expunge(ctx)

	d.announce(ctx, "mailbox", job.Name, results)
	return results, nil
}

func (d *Driver) processMessage(ctx context.Context, job MailboxJob, msg *mailbox.Message) Result {
	meta := store.Meta{Origin: store.OriginEmail, Source: job.Name}

	att, err := msg.Attachment(ctx)
	if err != nil {
		meta.Filename = msg.Subject()
		return d.finish(ctx, meta, nil, err)
	}
	meta.Filename = att.Filename()

	declared, err := att.MimeType()
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	stream, err := att.Stream()
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}

	// The message keeps ownership of the buffer.
	container, err := reportfile.FromStream(struct{ io.Reader }{stream}, meta.Filename, d.containerOptions(declared)...)
	if err != nil {
		return d.finish(ctx, meta, nil, err)
	}
	defer d.closeContainer(container)
	return d.load(ctx, container, meta)
}

// applyMessageActions runs actions in order. A move or a delete takes the
// message out of the folder, so nothing runs after it. Failures are logged
// and end the chain.
func (d *Driver) applyMessageActions(ctx context.Context, logger *slog.Logger, box *mailbox.MailBox, msg *mailbox.Message, actions []sourceaction.Action) {
	if d.dryRun {
		return
	}
	for _, action := range actions {
		var err error
		final := false
		switch action.Type {
		case sourceaction.MarkSeen:
			err = msg.MarkSeen(ctx)
		case sourceaction.MoveTo:
			final = true
			var path string
			path, err = box.EnsureMailbox(ctx, action.Param)
			if err == nil {
				err = msg.Move(ctx, path)
			}
		case sourceaction.Delete:
			final = true
			err = msg.Delete(ctx)
		}
		if err != nil {
			logger.ErrorContext(ctx, "failed to apply the message action",
				slog.String("action", action.String()),
				slog.Uint64("uid", uint64(msg.UID())),
				slog.Any("error", err),
			)
			return
		}
		if final {
			return
		}
	}
}
