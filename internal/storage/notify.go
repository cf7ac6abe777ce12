package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/folio/internal/model"
)

// ChannelVersions carries a VersionEvent for every committed version.
const ChannelVersions = "folio_versions"

// VersionEvent is the payload published on ChannelVersions.
type VersionEvent struct {
	DocumentID    string  `json:"document_id"`
	VersionNumber int     `json:"version_number"`
	Reward        float64 `json:"reward"`
}

// ParseVersionEvent decodes a ChannelVersions payload.
func ParseVersionEvent(payload string) (VersionEvent, error) {
	var ev VersionEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return VersionEvent{}, fmt.Errorf("storage: parse version event: %w", err)
	}
	if ev.DocumentID == "" || ev.VersionNumber < 1 {
		return VersionEvent{}, fmt.Errorf("storage: parse version event: missing document or version")
	}
	return ev, nil
}

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, classify(err))
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel or ctx ends.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", classify(err))
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, classify(err))
	}
	return nil
}

// notifyVersion announces a committed version. The commit already happened,
// so failures are only logged.
func (db *DB) notifyVersion(ctx context.Context, v model.Version) {
	payload, err := json.Marshal(VersionEvent{
		DocumentID:    v.DocumentID,
		VersionNumber: v.VersionNumber,
		Reward:        v.Reward,
	})
	if err != nil {
		return
	}
	if err := db.Notify(ctx, ChannelVersions, string(payload)); err != nil {
		db.logger.Warn("storage: version notify failed", "error", err, "document_id", v.DocumentID)
	}
}
