package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultRedisPrefix = "blockbridge"

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "blockbridge".
	Prefix string
	// Limit caps the recent logins and sessions lists.
	Limit int
}

// RedisRecorder keeps a presence hash per player and capped lists of
// recent logins and sessions.
type RedisRecorder struct {
	client *redis.Client
	prefix string
	limit  int64

	mu     sync.Mutex
	closed bool
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisRecorder, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("session store connected to redis")
	return newRedisRecorder(rdb, opts), nil
}

func newRedisRecorder(rdb *redis.Client, opts RedisOptions) *RedisRecorder {
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	return &RedisRecorder{client: rdb, prefix: opts.Prefix, limit: int64(opts.Limit)}
}

func (r *RedisRecorder) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

func (r *RedisRecorder) playerKey(username string) string {
	return r.key("player", strings.ToLower(username))
}

func (r *RedisRecorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *RedisRecorder) RecordLogin(ctx context.Context, rec LoginRecord) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}

	pipe := r.client.TxPipeline()
	player := r.playerKey(rec.Username)
	pipe.HSet(ctx, player, map[string]interface{}{
		"username":         rec.Username,
		"player_id":        rec.PlayerID,
		"remote":           rec.Remote,
		"protocol_version": rec.ProtocolVersion,
		"session_id":       rec.SessionID,
		"online":           1,
		"last_login":       rec.At.UnixMilli(),
	})
	pipe.HIncrBy(ctx, player, "logins", 1)
	pipe.LPush(ctx, r.key("logins"), data)
	pipe.LTrim(ctx, r.key("logins"), 0, r.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record login: %w", err)
	}
	return nil
}

func (r *RedisRecorder) RecordSessionClosed(ctx context.Context, rec SessionRecord) error {
	if r.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	if rec.Username != "" {
		player := r.playerKey(rec.Username)
		pipe.HSet(ctx, player, map[string]interface{}{
			"online":        0,
			"last_seen":     rec.ClosedAt.UnixMilli(),
			"last_reason":   rec.Reason,
			"last_duration": rec.Duration.Milliseconds(),
		})
		pipe.HIncrBy(ctx, player, "bytes_up", rec.BytesUp)
		pipe.HIncrBy(ctx, player, "bytes_down", rec.BytesDown)
	}
	pipe.LPush(ctx, r.key("sessions"), data)
	pipe.LTrim(ctx, r.key("sessions"), 0, r.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record session: %w", err)
	}
	return nil
}

func (r *RedisRecorder) RecentLogins(ctx context.Context, limit int) ([]LoginRecord, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	if limit <= 0 || int64(limit) > r.limit {
		limit = int(r.limit)
	}

	raw, err := r.client.LRange(ctx, r.key("logins"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis recent logins: %w", err)
	}
	return decodeLogins(raw), nil
}

// Player returns the presence hash for username, or nil if unknown.
func (r *RedisRecorder) Player(ctx context.Context, username string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, r.playerKey(username)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func decodeLogins(raw []string) []LoginRecord {
	out := make([]LoginRecord, 0, len(raw))
	for _, s := range raw {
		var rec LoginRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable login entry")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Close closes the client connection pool.
func (r *RedisRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
