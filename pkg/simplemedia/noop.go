package simplemedia

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopEventSink is a no-operation implementation of EventSink
// Useful for production when you don't need event handling or for testing
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) UploadAccepted(ctx context.Context, upload *ProvisionalUpload) error {
	return nil
}

func (n *NoopEventSink) UploadUsed(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (n *NoopEventSink) UploadsOrphaned(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (n *NoopEventSink) UploadDeleted(ctx context.Context, upload *ProvisionalUpload) error {
	return nil
}

func (n *NoopEventSink) VariantsGenerated(ctx context.Context, asset *Asset) error {
	return nil
}

// LogEventSink writes every lifecycle event to a structured logger at debug level.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates an event sink that logs to logger (slog.Default when nil)
func NewLogEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger.With("component", "events")}
}

func (l *LogEventSink) UploadAccepted(ctx context.Context, upload *ProvisionalUpload) error {
	l.logger.DebugContext(ctx, "upload accepted", "upload_id", upload.ID, "key", upload.ObjectKey, "size", upload.FileSize)
	return nil
}

func (l *LogEventSink) UploadUsed(ctx context.Context, id uuid.UUID) error {
	l.logger.DebugContext(ctx, "upload used", "upload_id", id)
	return nil
}

func (l *LogEventSink) UploadsOrphaned(ctx context.Context, ids []uuid.UUID) error {
	l.logger.DebugContext(ctx, "uploads orphaned", "count", len(ids))
	return nil
}

func (l *LogEventSink) UploadDeleted(ctx context.Context, upload *ProvisionalUpload) error {
	l.logger.DebugContext(ctx, "upload deleted", "upload_id", upload.ID, "key", upload.ObjectKey)
	return nil
}

func (l *LogEventSink) VariantsGenerated(ctx context.Context, asset *Asset) error {
	l.logger.DebugContext(ctx, "variants generated", "asset_id", asset.ID, "variants", len(asset.Variants))
	return nil
}
