package userstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nightproxy/llmgate/internal/classify"
	"github.com/redis/go-redis/v9"
)

// FlushInterval is the default "flush to remote KV every 20s" cadence from
// spec §5/§6.
const FlushInterval = 20 * time.Second

const redisKeyPrefix = "users/"

// RedisStore is the `gatekeeperStore=redis` backend: an in-memory
// authoritative map (same semantics as MemoryStore) mirrored to Redis in a
// non-blocking batched flush, grounded on the teacher's buffered-channel
// async request logger (internal/logger/logger.go) — the same
// "accumulate, flush on a ticker, never block the request path" shape.
type RedisStore struct {
	*memoryStore

	client *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]bool // tokens to upsert on the next flush
	deletes map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRedisStore constructs a RedisStore and starts its background flush
// loop. Call Close to stop it and perform a final synchronous flush.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{
		memoryStore: newMemoryState(),
		client:      client,
		logger:      logger,
		pending:     make(map[string]bool),
		deletes:     make(map[string]bool),
		done:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

func (s *RedisStore) markDirty(token string, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deleted {
		s.deletes[token] = true
		delete(s.pending, token)
	} else {
		s.pending[token] = true
		delete(s.deletes, token)
	}
}

func (s *RedisStore) Upsert(u *User) error {
	if err := s.memoryStore.Upsert(u); err != nil {
		return err
	}
	s.markDirty(u.Token, false)
	return nil
}

// IncrementUsage delegates to the in-memory map and schedules the user for
// the next batched flush.
func (s *RedisStore) IncrementUsage(token string, family classify.Family, tokens int64) error {
	if err := s.memoryStore.IncrementUsage(token, family, tokens); err != nil {
		return err
	}
	s.markDirty(token, false)
	return nil
}

// RefreshAllQuotas delegates to the in-memory map and marks every affected
// user dirty so the reset is mirrored on the next flush.
func (s *RedisStore) RefreshAllQuotas(defaults map[classify.Family]int64) error {
	if err := s.memoryStore.RefreshAllQuotas(defaults); err != nil {
		return err
	}
	s.memoryStore.mu.Lock()
	tokens := make([]string, 0, len(s.memoryStore.users))
	for t, u := range s.memoryStore.users {
		if u.Type != TypeTemporary {
			tokens = append(tokens, t)
		}
	}
	s.memoryStore.mu.Unlock()
	for _, t := range tokens {
		s.markDirty(t, false)
	}
	return nil
}

// ExpireTemporaryUsers delegates to the in-memory map; expired users are
// re-upserted on the next flush, deleted users are removed from Redis too.
func (s *RedisStore) ExpireTemporaryUsers(now time.Time) (expired, deleted int) {
	s.memoryStore.mu.Lock()
	var expiredTokens, deletedTokens []string
	for token, u := range s.memoryStore.users {
		if u.Type != TypeTemporary {
			continue
		}
		if u.DisabledAt == nil && u.ExpiresAt != nil && now.After(*u.ExpiresAt) {
			expiredTokens = append(expiredTokens, token)
		} else if u.DisabledAt != nil && now.Sub(*u.DisabledAt) >= 24*time.Hour {
			deletedTokens = append(deletedTokens, token)
		}
	}
	s.memoryStore.mu.Unlock()

	expired, deleted = s.memoryStore.ExpireTemporaryUsers(now)
	for _, t := range expiredTokens {
		s.markDirty(t, false)
	}
	for _, t := range deletedTokens {
		s.markDirty(t, true)
	}
	return expired, deleted
}

func (s *RedisStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			s.flushOnce()
			return
		case <-ticker.C:
			s.flushOnce()
		}
	}
}

func (s *RedisStore) flushOnce() {
	s.mu.Lock()
	upserts := make([]string, 0, len(s.pending))
	for t := range s.pending {
		upserts = append(upserts, t)
	}
	deletes := make([]string, 0, len(s.deletes))
	for t := range s.deletes {
		deletes = append(deletes, t)
	}
	s.pending = make(map[string]bool)
	s.deletes = make(map[string]bool)
	s.mu.Unlock()

	if len(upserts) == 0 && len(deletes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := s.client.Pipeline()
	for _, token := range upserts {
		s.memoryStore.mu.Lock()
		u, ok := s.memoryStore.users[token]
		s.memoryStore.mu.Unlock()
		if !ok {
			continue
		}
		b, err := u.toJSON()
		if err != nil {
			s.logger.Warn("userstore: marshal user for flush failed", slog.String("token", token), slog.String("error", err.Error()))
			continue
		}
		pipe.Set(ctx, redisKeyPrefix+token, b, 0)
	}
	for _, token := range deletes {
		pipe.Del(ctx, redisKeyPrefix+token)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("userstore: redis flush failed", slog.String("error", err.Error()), slog.Int("upserts", len(upserts)), slog.Int("deletes", len(deletes)))
	}
}

// Close stops the flush loop after performing one final synchronous flush.
func (s *RedisStore) Close() {
	close(s.done)
	s.wg.Wait()
}
