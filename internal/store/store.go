// Package store keeps an audit trail of player logins and finished sessions.
// Records come from the event bus; SQLite and Redis backends are provided.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
)

// ErrClosed is returned by a recorder after Close.
var ErrClosed = errors.New("store closed")

// LoginRecord is one observed LoginStart.
type LoginRecord struct {
	SessionID       string    `json:"session_id"`
	Username        string    `json:"username"`
	PlayerID        string    `json:"player_id,omitempty"`
	Remote          string    `json:"remote"`
	ProtocolVersion int32     `json:"protocol_version"`
	At              time.Time `json:"at"`
}

// SessionRecord summarises a session after it closed.
type SessionRecord struct {
	SessionID     string        `json:"session_id"`
	Remote        string        `json:"remote"`
	Username      string        `json:"username,omitempty"`
	State         string        `json:"state"`
	Reason        string        `json:"reason"`
	Duration      time.Duration `json:"duration_ns"`
	BytesUp       int64         `json:"bytes_up"`
	BytesDown     int64         `json:"bytes_down"`
	FramesDropped int64         `json:"frames_dropped"`
	ClosedAt      time.Time     `json:"closed_at"`
}

// Recorder persists login and session records.
type Recorder interface {
	RecordLogin(ctx context.Context, rec LoginRecord) error
	RecordSessionClosed(ctx context.Context, rec SessionRecord) error
	// RecentLogins returns up to limit logins, newest first.
	RecentLogins(ctx context.Context, limit int) ([]LoginRecord, error)
	Close() error
}

// Pruner is implemented by recorders that keep records by age rather than
// by count.
type Pruner interface {
	// Prune deletes records older than before and returns how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Open builds the recorder selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Recorder, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case config.StoreRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Limit:    cfg.RecentLimit,
		})
	case config.StoreNone, "":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Attach subscribes rec to login and session-closed events on bus.
func Attach(bus *events.EventBus, rec Recorder) {
	bus.Subscribe(events.EventLogin, "store", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.LoginPayload)
		if !ok {
			return nil
		}
		return rec.RecordLogin(context.WithoutCancel(ctx), LoginFromEvent(e.SessionID, e.Time, p))
	})
	bus.Subscribe(events.EventSessionClosed, "store", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.SessionClosedPayload)
		if !ok {
			return nil
		}
		return rec.RecordSessionClosed(context.WithoutCancel(ctx), SessionFromEvent(e.SessionID, e.Time, p))
	})
	log.Debug().Msg("store attached to event bus")
}

// Detach removes the subscriptions added by Attach.
func Detach(bus *events.EventBus) {
	bus.Unsubscribe(events.EventLogin, "store")
	bus.Unsubscribe(events.EventSessionClosed, "store")
}

// LoginFromEvent converts a login event payload.
func LoginFromEvent(sessionID string, at time.Time, p events.LoginPayload) LoginRecord {
	rec := LoginRecord{
		SessionID:       sessionID,
		Username:        p.Packet.Username,
		Remote:          p.Remote,
		ProtocolVersion: p.ProtocolVersion,
		At:              at.UTC(),
	}
	if p.Packet.HasID {
		rec.PlayerID = p.Packet.PlayerID.String()
	}
	return rec
}

// SessionFromEvent converts a session-closed event payload.
func SessionFromEvent(sessionID string, at time.Time, p events.SessionClosedPayload) SessionRecord {
	return SessionRecord{
		SessionID:     sessionID,
		Remote:        p.Remote,
		Username:      p.Username,
		State:         p.State.String(),
		Reason:        p.Reason,
		Duration:      p.Duration,
		BytesUp:       p.BytesUp,
		BytesDown:     p.BytesDown,
		FramesDropped: p.FramesDropped,
		ClosedAt:      at.UTC(),
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordLogin(context.Context, LoginRecord) error           { return nil }
func (Nop) RecordSessionClosed(context.Context, SessionRecord) error { return nil }
func (Nop) RecentLogins(context.Context, int) ([]LoginRecord, error) { return nil, nil }
func (Nop) Close() error                                             { return nil }
