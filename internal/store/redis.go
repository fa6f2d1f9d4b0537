package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis store connection.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on Redis. Profiles are JSON strings, context
// entries live in a sorted set scored by sequence, settings are one hash.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chatgate"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) profileKey(userID string) string {
	return s.prefix + ":profile:" + userID
}

func (s *RedisStore) contextKey(userID string) string {
	return s.prefix + ":context:" + userID
}

func (s *RedisStore) seqKey(userID string) string {
	return s.prefix + ":context:" + userID + ":seq"
}

func (s *RedisStore) settingsKey() string {
	return s.prefix + ":settings"
}

func (s *RedisStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	data, err := s.rdb.Get(ctx, s.profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) PutProfile(ctx context.Context, p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.rdb.Set(ctx, s.profileKey(p.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteProfile(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.profileKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

func (s *RedisStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	profiles := make([]Profile, 0)
	iter := s.rdb.Scan(ctx, 0, s.profileKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		userID := strings.TrimPrefix(iter.Val(), s.profileKey(""))
		p, err := s.GetProfile(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan profiles: %w", err)
	}
	return profiles, nil
}

func (s *RedisStore) AppendEntry(ctx context.Context, userID string, e *Entry) error {
	seq, err := s.rdb.Incr(ctx, s.seqKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("advance sequence: %w", err)
	}
	e.Seq = seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.contextKey(userID), redis.Z{Score: float64(seq), Member: data}).Err(); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (s *RedisStore) ListEntries(ctx context.Context, userID string) ([]Entry, error) {
	members, err := s.rdb.ZRange(ctx, s.contextKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) UpdateEntryContent(ctx context.Context, userID string, seq int64, content string) error {
	score := strconv.FormatInt(seq, 10)
	members, err := s.rdb.ZRangeByScore(ctx, s.contextKey(userID), &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return fmt.Errorf("find entry: %w", err)
	}
	if len(members) == 0 {
		return ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal([]byte(members[0]), &e); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	e.Content = content
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, s.contextKey(userID), score, score)
	pipe.ZAdd(ctx, s.contextKey(userID), redis.Z{Score: float64(seq), Member: data})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteEntries(ctx context.Context, userID string, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, seq := range seqs {
		score := strconv.FormatInt(seq, 10)
		pipe.ZRemRangeByScore(ctx, s.contextKey(userID), score, score)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteAllEntries(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, s.contextKey(userID), s.seqKey(userID)).Err(); err != nil {
		return fmt.Errorf("purge entries: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSetting(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.settingsKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

func (s *RedisStore) PutSetting(ctx context.Context, key, value string) error {
	if err := s.rdb.HSet(ctx, s.settingsKey(), key, value).Err(); err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
