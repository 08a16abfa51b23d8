package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store and Journal using Redis.
// Records are plain string keys, the listing index is a sorted set scored by
// start time, and journals are lists.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all keys (default: "memtrace:").
	Prefix string `yaml:"prefix"`
	// SessionTTL is the record expiry duration (0 = never expire).
	SessionTTL time.Duration `yaml:"session_ttl"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.SessionTTL), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "memtrace:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisStore) recordKey(sessionID string) string {
	return b.prefix + "session:" + sessionID
}

func (b *RedisStore) journalKey(sessionID string) string {
	return b.prefix + "journal:" + sessionID
}

func (b *RedisStore) indexKey() string {
	return b.prefix + "sessions"
}

func (b *RedisStore) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Save writes the record and indexes it. The returned location is the
// record key.
func (b *RedisStore) Save(ctx context.Context, sess *Session) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	key := b.recordKey(sess.SessionID)
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, key, data, b.ttl)
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{
		Score:  float64(sess.StartTime.UnixNano()),
		Member: sess.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return key, nil
}

// Load reads the record stored under a key returned by Save.
func (b *RedisStore) Load(ctx context.Context, location string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(location, b.recordKey("")) {
		return nil, fmt.Errorf("location %q is not a session key", location)
	}
	return b.get(ctx, location)
}

// Find reads the record of a session.
func (b *RedisStore) Find(ctx context.Context, sessionID string) (*Session, string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, "", err
	}
	key := b.recordKey(sessionID)
	sess, err := b.get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return sess, key, nil
}

func (b *RedisStore) get(ctx context.Context, key string) (*Session, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return Decode(data)
}

// List returns summaries ordered by start time, most recent first.
// Index entries whose record has expired are removed.
func (b *RedisStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	start := int64(opts.Offset)
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}

	ids, err := b.client.ZRevRange(ctx, b.indexKey(), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		key := b.recordKey(id)
		sess, err := b.get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				b.client.ZRem(ctx, b.indexKey(), id)
				continue
			}
			var corrupt *CorruptLogError
			if errors.As(err, &corrupt) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, Summarize(sess, key))
	}
	return summaries, nil
}

// AppendEvent pushes an event onto the session's journal list.
func (b *RedisStore) AppendEvent(ctx context.Context, sessionID string, e Event) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.RPush(ctx, b.journalKey(sessionID), data).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	if b.ttl > 0 {
		// The event is already stored; a failed Expire is retried on the next append.
		_ = b.client.Expire(ctx, b.journalKey(sessionID), b.ttl).Err()
	}
	return nil
}

// LoadJournal reads a session's journal in order.
func (b *RedisStore) LoadJournal(ctx context.Context, sessionID string) ([]Event, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	data, err := b.client.LRange(ctx, b.journalKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	events := make([]Event, 0, len(data))
	for i, d := range data {
		var e Event
		if err := json.Unmarshal([]byte(d), &e); err != nil {
			return nil, &CorruptLogError{Reason: fmt.Sprintf("journal entry %d", i), Err: err}
		}
		events = append(events, e)
	}
	return events, nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisStore) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (b *RedisStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
