// Package stream mirrors the local event log to a NATS JetStream stream so
// external consumers can follow a user's history without touching the
// daemon's database. The mirror is strictly best-effort: the store appends
// locally whether or not the publish succeeds.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/events"
)

// Mirror publishes events to the CHOIR JetStream stream. It implements
// store.Mirror.
type Mirror struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	userID string
}

// envelope is the wire shape of one mirrored event.
type envelope struct {
	Timestamp int64          `json:"timestamp"`
	UserID    string         `json:"user_id"`
	Source    string         `json:"source"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// Connect dials NATS, provisions the CHOIR stream if needed, and returns a
// ready mirror.
func Connect(cfg config.MirrorConfig, userID string) (*Mirror, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("choird-"+userID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream context: %w", err)
	}

	if err := ensureStream(js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("Connected event mirror", "url", cfg.URL, "stream", events.StreamName)
	return &Mirror{nc: nc, js: js, userID: userID}, nil
}

// ensureStream creates or updates the CHOIR stream. One stream with a
// choiros.> subject filter carries every source; retention is age-bounded
// file storage.
func ensureStream(js nats.JetStreamContext, cfg config.MirrorConfig) error {
	streamCfg := &nats.StreamConfig{
		Name:      events.StreamName,
		Subjects:  []string{events.SubjectWildcard},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    cfg.MaxAge,
	}

	if _, err := js.AddStream(streamCfg); err != nil {
		// Config drift: the stream exists with different settings.
		if _, uerr := js.UpdateStream(streamCfg); uerr != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", events.StreamName, err)
		}
	}
	return nil
}

// Publish sends the event under choiros.{user_id}.{source}.{event_type} and
// returns the JetStream sequence number.
func (m *Mirror) Publish(ctx context.Context, event events.Event) (int64, error) {
	data, err := json.Marshal(envelope{
		Timestamp: event.Timestamp.UnixMilli(),
		UserID:    m.userID,
		Source:    string(event.Source),
		EventType: event.Type,
		Payload:   event.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode event for mirror: %w", err)
	}

	subject := events.BuildSubject(m.userID, event.Source, event.Type)
	ack, err := m.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return int64(ack.Sequence), nil
}

// Close drains the connection, flushing pending publishes.
func (m *Mirror) Close() error {
	if m.nc == nil || m.nc.IsClosed() {
		return nil
	}
	return m.nc.Drain()
}
