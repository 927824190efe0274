// Package redisstore keeps the version log in Redis: one JSON value per
// version, a sorted set of timestamps, and the current table under its own key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Simplici0/cabinetry/internal/ratetable"
	"github.com/Simplici0/cabinetry/internal/versions"
)

// appendScript writes a version only if its key is new, indexes it and
// optionally replaces the current table, all in one round trip.
//
// KEYS: version key, versions zset, current key
// ARGV: record JSON, timestamp, "1" to set current, table JSON
var appendScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[2])
if ARGV[3] == '1' then
	redis.call('SET', KEYS[3], ARGV[4])
end
return 1
`)

// Store is a versions.Backend over a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

var _ versions.Backend = (*Store)(nil)

func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (s *Store) Name() string { return "redis" }

func (s *Store) currentKey() string  { return s.prefix + ":current" }
func (s *Store) versionsKey() string { return s.prefix + ":versions" }

func (s *Store) versionKey(ts int64) string {
	return s.prefix + ":version:" + strconv.FormatInt(ts, 10)
}

func (s *Store) Current(ctx context.Context) (*ratetable.RateTable, error) {
	raw, err := s.client.Get(ctx, s.currentKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current rate table: %w", err)
	}

	var t ratetable.RateTable
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode current rate table: %w", err)
	}
	return &t, nil
}

func (s *Store) Append(ctx context.Context, rec versions.Record, setCurrent bool) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	tableJSON, err := json.Marshal(rec.RateTable)
	if err != nil {
		return fmt.Errorf("encode rate table: %w", err)
	}

	flag := "0"
	if setCurrent {
		flag = "1"
	}
	keys := []string{s.versionKey(rec.Timestamp), s.versionsKey(), s.currentKey()}
	written, err := appendScript.Run(ctx, s.client, keys, recJSON, rec.Timestamp, flag, tableJSON).Int()
	if err != nil {
		return fmt.Errorf("append version %d: %w", rec.Timestamp, err)
	}
	if written == 0 {
		return versions.ErrTimestampConflict
	}
	return nil
}

func (s *Store) Versions(ctx context.Context) ([]versions.Record, error) {
	stamps, err := s.client.ZRevRange(ctx, s.versionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list version timestamps: %w", err)
	}
	if len(stamps) == 0 {
		return nil, nil
	}

	keys := make([]string, len(stamps))
	for i, ts := range stamps {
		keys[i] = s.prefix + ":version:" + ts
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}

	out := make([]versions.Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec versions.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode version %s: %w", stamps[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Version(ctx context.Context, timestamp int64) (versions.Record, error) {
	raw, err := s.client.Get(ctx, s.versionKey(timestamp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return versions.Record{}, versions.ErrVersionNotFound
	}
	if err != nil {
		return versions.Record{}, fmt.Errorf("get version %d: %w", timestamp, err)
	}

	var rec versions.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return versions.Record{}, fmt.Errorf("decode version %d: %w", timestamp, err)
	}
	return rec, nil
}
