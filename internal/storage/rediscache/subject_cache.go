// Package rediscache fronts a QuestionStore with a shared subject cache so
// concurrent importers resolve subjects without hammering the database.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

const (
	defaultPrefix  = "importer"
	defaultTTL     = time.Hour
	defaultLockTTL = 5 * time.Second

	lockPollInterval = 25 * time.Millisecond
)

// Config controls key naming and lifetimes.
type Config struct {
	Prefix  string
	TTL     time.Duration
	LockTTL time.Duration
}

// SubjectCache decorates an importer.QuestionStore. Subject lookups are
// cache-aside; subject creation takes a short SET NX lock so only one
// importer inserts a given name. Redis failures fall through to the store.
type SubjectCache struct {
	importer.QuestionStore
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger
}

// NewSubjectCache wraps inner with client.
func NewSubjectCache(inner importer.QuestionStore, client redis.UniversalClient, cfg Config, logger *zap.Logger) (*SubjectCache, error) {
	if inner == nil {
		return nil, errors.New("question store is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubjectCache{QuestionStore: inner, client: client, cfg: cfg, logger: logger.Named("subject_cache")}, nil
}

// FindSubjectByName serves from Redis when possible.
func (c *SubjectCache) FindSubjectByName(ctx context.Context, name string) (importer.Subject, error) {
	key := c.subjectKey(name)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var sub importer.Subject
		if jsonErr := json.Unmarshal(raw, &sub); jsonErr == nil {
			return sub, nil
		}
		c.logger.Warn("discarding corrupt subject cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("subject cache get failed", zap.String("key", key), zap.Error(err))
	}

	sub, err := c.QuestionStore.FindSubjectByName(ctx, name)
	if err != nil {
		return importer.Subject{}, err
	}
	c.remember(ctx, key, sub)
	return sub, nil
}

// CreateSubject inserts through the store while holding the name lock. When
// another importer holds the lock, it waits for the lock to clear, then
// returns the subject that importer created. If none appears, the store's
// own uniqueness decides.
func (c *SubjectCache) CreateSubject(ctx context.Context, name, color, icon string) (importer.Subject, error) {
	lockKey := c.lockKey(name)
	status, err := c.client.SetArgs(ctx, lockKey, "1", redis.SetArgs{Mode: "NX", TTL: c.cfg.LockTTL}).Result()
	switch {
	case errors.Is(err, redis.Nil), err == nil && status != "OK":
		return c.awaitSubject(ctx, lockKey, name, color, icon)
	case err != nil:
		c.logger.Warn("subject lock unavailable", zap.String("key", lockKey), zap.Error(err))
		return c.QuestionStore.CreateSubject(ctx, name, color, icon)
	}
	defer func() {
		if delErr := c.client.Del(context.WithoutCancel(ctx), lockKey).Err(); delErr != nil {
			c.logger.Warn("release subject lock", zap.String("key", lockKey), zap.Error(delErr))
		}
	}()

	sub, err := c.QuestionStore.CreateSubject(ctx, name, color, icon)
	if err != nil {
		return importer.Subject{}, err
	}
	c.remember(ctx, c.subjectKey(name), sub)
	return sub, nil
}

// awaitSubject waits out another importer's lock and re-reads the subject.
func (c *SubjectCache) awaitSubject(ctx context.Context, lockKey, name, color, icon string) (importer.Subject, error) {
	c.waitForUnlock(ctx, lockKey)
	if err := ctx.Err(); err != nil {
		return importer.Subject{}, fmt.Errorf("wait for subject %q: %w", name, err)
	}

	sub, err := c.FindSubjectByName(ctx, name)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, importer.ErrNotFound) {
		return importer.Subject{}, err
	}
	c.logger.Debug("subject lock released without a subject", zap.String("key", lockKey))
	return c.QuestionStore.CreateSubject(ctx, name, color, icon)
}

// waitForUnlock polls until lockKey is gone, LockTTL has passed or Redis
// stops answering.
func (c *SubjectCache) waitForUnlock(ctx context.Context, lockKey string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LockTTL)
	defer cancel()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		n, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil || n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Health pings Redis.
func (c *SubjectCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *SubjectCache) remember(ctx context.Context, key string, sub importer.Subject) {
	raw, err := json.Marshal(sub)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("subject cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *SubjectCache) subjectKey(name string) string {
	return c.cfg.Prefix + ":subject:" + normalize(name)
}

func (c *SubjectCache) lockKey(name string) string {
	return c.cfg.Prefix + ":subject-lock:" + normalize(name)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ClientConfig holds the connection settings.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a Redis client for cfg.
func NewClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
