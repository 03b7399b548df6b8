package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/burrow/internal/types"
)

// RedisStore keeps each session's events in a Redis list. Because ids are
// contiguous from 1, the record for event n sits at list index n-1; scans use
// that to start at the right offset but still check every record's id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all keys (default: "burrow:").
	Prefix string
}

// appendScript pushes a record only if it is exactly one past the list's
// current length, so a second writer shows up as a conflict instead of a
// duplicated or skipped id.
var appendScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n + 1 ~= tonumber(ARGV[1]) then
	return redis.error_reply('CONFLICT ' .. n)
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return n + 1
`)

const scanPage = 256

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "burrow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) eventsKey(id types.SessionID) string {
	return s.prefix + "events:" + string(id)
}

func (s *RedisStore) metaKey(id types.SessionID) string {
	return s.prefix + "meta:" + string(id)
}

func (s *RedisStore) sessionsKey() string {
	return s.prefix + "sessions"
}

// SaveSession creates or updates session metadata.
func (s *RedisStore) SaveSession(ctx context.Context, session *types.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.metaKey(session.ID), data, 0)
	pipe.SAdd(ctx, s.sessionsKey(), string(session.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves session metadata by ID.
func (s *RedisStore) GetSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	data, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// ListSessions returns all sessions with metadata, oldest first.
func (s *RedisStore) ListSessions(ctx context.Context) ([]*types.Session, error) {
	ids, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*types.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, types.SessionID(id))
		if errors.Is(err, types.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// AppendEvent pushes the event record. Redis acknowledges the script only
// after the write is applied; persistence beyond that follows the server's
// AOF/RDB configuration.
func (s *RedisStore) AppendEvent(ctx context.Context, event *types.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	keys := []string{s.eventsKey(event.SessionID), s.sessionsKey()}
	err = appendScript.Run(ctx, s.client, keys, int64(event.ID), data, string(event.SessionID)).Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "CONFLICT") {
			return fmt.Errorf("append event %d to session %s: %w", event.ID, event.SessionID, types.ErrWriteConflict)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ScanEvents reads events with id > since in pages.
func (s *RedisStore) ScanEvents(ctx context.Context, id types.SessionID, since types.EventID, fn func(*types.Event) error) error {
	key := s.eventsKey(id)
	length, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if length == 0 {
		return types.ErrSessionNotFound
	}

	// Records appended after this point are not part of the scan.
	last := types.EventID(length)
	for start := int64(since); start < length; start += scanPage {
		stop := min(start+scanPage, length) - 1
		records, err := s.client.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}
		for i, record := range records {
			var event types.Event
			if err := json.Unmarshal([]byte(record), &event); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			if want := types.EventID(start + int64(i) + 1); event.ID != want {
				return fmt.Errorf("event at index %d has id %d, want %d: %w", start+int64(i), event.ID, want, types.ErrWriteConflict)
			}
			if event.ID <= since || event.ID > last {
				continue
			}
			if err := fn(&event); err != nil {
				return err
			}
		}
	}
	return nil
}

// LastEventID returns the id of the last record in the session's list.
func (s *RedisStore) LastEventID(ctx context.Context, id types.SessionID) (types.EventID, error) {
	record, err := s.client.LIndex(ctx, s.eventsKey(id), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("load last event: %w", err)
	}
	var event struct {
		ID types.EventID `json:"event_id"`
	}
	if err := json.Unmarshal([]byte(record), &event); err != nil {
		return 0, fmt.Errorf("unmarshal event: %w", err)
	}
	return event.ID, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
