// Package nats publishes upload and asset lifecycle events to NATS.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Event subjects, relative to the configured prefix.
const (
	SubjectUploadAccepted    = "upload.accepted"
	SubjectUploadUsed        = "upload.used"
	SubjectUploadsOrphaned   = "upload.orphaned"
	SubjectUploadDeleted     = "upload.deleted"
	SubjectVariantsGenerated = "asset.variants"

	DefaultSubjectPrefix = "media"
)

// Config holds the connection settings
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
}

// Event is the JSON envelope of every published message.
type Event struct {
	Type       string                         `json:"type"`
	OccurredAt time.Time                      `json:"occurred_at"`
	UploadIDs  []uuid.UUID                    `json:"upload_ids,omitempty"`
	Upload     *simplemedia.ProvisionalUpload `json:"upload,omitempty"`
	Asset      *simplemedia.Asset             `json:"asset,omitempty"`
}

// publisher is the subset of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Sink is a simplemedia.EventSink that publishes JSON events.
type Sink struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ simplemedia.EventSink = (*Sink)(nil)

// Connect dials the server and returns a sink owning the connection.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "simple-media"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s := newSink(conn, cfg.SubjectPrefix, logger)
	s.conn = conn
	return s, nil
}

func newSink(pub publisher, prefix string, logger *slog.Logger) *Sink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "events.nats"),
		now:    time.Now,
	}
}

// Subject returns the full subject for an event type.
func (s *Sink) Subject(eventType string) string {
	return s.prefix + "." + eventType
}

func (s *Sink) publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.OccurredAt = s.now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	subject := s.Subject(event.Type)
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	s.logger.DebugContext(ctx, "published event", "subject", subject, "bytes", len(data))
	return nil
}

func (s *Sink) UploadAccepted(ctx context.Context, upload *simplemedia.ProvisionalUpload) error {
	return s.publish(ctx, Event{Type: SubjectUploadAccepted, Upload: upload})
}

func (s *Sink) UploadUsed(ctx context.Context, id uuid.UUID) error {
	return s.publish(ctx, Event{Type: SubjectUploadUsed, UploadIDs: []uuid.UUID{id}})
}

func (s *Sink) UploadsOrphaned(ctx context.Context, ids []uuid.UUID) error {
	return s.publish(ctx, Event{Type: SubjectUploadsOrphaned, UploadIDs: ids})
}

func (s *Sink) UploadDeleted(ctx context.Context, upload *simplemedia.ProvisionalUpload) error {
	return s.publish(ctx, Event{Type: SubjectUploadDeleted, Upload: upload})
}

func (s *Sink) VariantsGenerated(ctx context.Context, asset *simplemedia.Asset) error {
	return s.publish(ctx, Event{Type: SubjectVariantsGenerated, Asset: asset})
}

// Close flushes pending messages and closes the connection.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Flush(); err != nil {
		s.logger.Warn("failed to flush NATS connection", "error", err)
	}
	s.conn.Close()
	return nil
}
