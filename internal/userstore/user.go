// Package userstore implements the gateway's User/quota subsystem: the
// authentication, IP-cap, and token-quota bookkeeping collaborator spec.md
// treats as an external key/value store (§1's "User store persistence").
// SPEC_FULL.md gives it a concrete home: an in-memory authoritative map,
// optionally mirrored to Redis every flush interval — Redis plays the role
// of the spec's generic "remote KV" since the corpus carries no Firebase
// client.
package userstore

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nightproxy/llmgate/internal/classify"
)

// Type is the three-tier user classification from the data model.
type Type string

const (
	TypeNormal    Type = "normal"
	TypeSpecial   Type = "special"
	TypeTemporary Type = "temporary"
)

// Sentinel errors.
var (
	ErrNotFound       = errors.New("userstore: user not found")
	ErrDisabled       = errors.New("userstore: user disabled")
	ErrIPLimitReached = errors.New("userstore: IP address limit exceeded")
)

// DisabledReasonIPLimit is the exact reason string spec.md requires.
const DisabledReasonIPLimit = "IP address limit exceeded"

// User is the data-model record from spec §3.
type User struct {
	Token          string
	IPs            []string
	Type           Type
	PromptCount    int64
	TokenCounts    map[classify.Family]int64
	TokenLimits    map[classify.Family]int64
	CreatedAt      time.Time
	LastUsedAt     time.Time
	DisabledAt     *time.Time
	DisabledReason string
	ExpiresAt      *time.Time
}

func (u *User) clone() *User {
	cp := *u
	cp.IPs = append([]string(nil), u.IPs...)
	cp.TokenCounts = make(map[classify.Family]int64, len(u.TokenCounts))
	for k, v := range u.TokenCounts {
		cp.TokenCounts[k] = v
	}
	cp.TokenLimits = make(map[classify.Family]int64, len(u.TokenLimits))
	for k, v := range u.TokenLimits {
		cp.TokenLimits[k] = v
	}
	return &cp
}

// toJSON / fromJSON round-trip a User for the Redis mirror.
func (u *User) toJSON() ([]byte, error) { return json.Marshal(u) }

func fromJSON(b []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Store is the gateway's user persistence contract.
type Store interface {
	// Authenticate looks up token, enforces the IP cap (non-special users
	// only), and returns the (possibly newly-disabled) user. ErrNotFound
	// if the token is unknown; ErrDisabled if disabledAt is already set.
	Authenticate(token, ip string, maxIPsPerUser int) (*User, error)
	// Upsert writes a user record (create or replace).
	Upsert(u *User) error
	// HasAvailableQuota reports whether requesting `tokens` more of family
	// would stay within the user's limit (absent/zero limit = unlimited).
	HasAvailableQuota(token string, family classify.Family, tokens int64) (bool, error)
	// IncrementUsage bumps promptCount and tokenCounts[family] atomically
	// with respect to concurrent callers for the same token.
	IncrementUsage(token string, family classify.Family, tokens int64) error
	// RefreshAllQuotas resets tokenCounts to zero for every non-temporary
	// user and tokenLimits to defaults for normal users; special users keep
	// their own limits (open question (b): temporary
	// users are skipped, matching the unavailable original's behavior).
	RefreshAllQuotas(defaults map[classify.Family]int64) error
	// ExpireTemporaryUsers sets disabledAt on every temporary user whose
	// expiresAt has passed, and deletes temporary users disabled more
	// than 24h ago. Returns (expired, deleted) counts.
	ExpireTemporaryUsers(now time.Time) (expired, deleted int)
	// Close stops any background flush goroutine.
	Close()
}

// memoryStore is the in-process authoritative map every Store
// implementation is built on; RedisStore embeds one and mirrors writes.
type memoryStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func newMemoryState() *memoryStore {
	return &memoryStore{users: make(map[string]*User)}
}

// MemoryStore is the `gatekeeperStore=memory` backend: no remote mirror.
type MemoryStore struct {
	*memoryStore
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryStore: newMemoryState()}
}

func (s *memoryStore) Authenticate(token, ip string, maxIPsPerUser int) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[token]
	if !ok {
		return nil, ErrNotFound
	}
	if u.DisabledAt != nil {
		return nil, ErrDisabled
	}

	if ip != "" && !containsString(u.IPs, ip) {
		u.IPs = append(u.IPs, ip)
	}

	if u.Type != TypeSpecial && maxIPsPerUser > 0 && len(u.IPs) > maxIPsPerUser {
		now := time.Now()
		u.DisabledAt = &now
		u.DisabledReason = DisabledReasonIPLimit
		return nil, ErrIPLimitReached
	}

	u.LastUsedAt = time.Now()
	return u.clone(), nil
}

func (s *memoryStore) Upsert(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[classify.Family]int64)
	}
	if u.TokenLimits == nil {
		u.TokenLimits = make(map[classify.Family]int64)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.Token] = u.clone()
	return nil
}

func (s *memoryStore) HasAvailableQuota(token string, family classify.Family, tokens int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return false, ErrNotFound
	}
	limit, hasLimit := u.TokenLimits[family]
	if !hasLimit || limit <= 0 {
		return true, nil
	}
	return u.TokenCounts[family]+tokens <= limit, nil
}

func (s *memoryStore) IncrementUsage(token string, family classify.Family, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	if !ok {
		return ErrNotFound
	}
	u.PromptCount++
	if u.TokenCounts == nil {
		u.TokenCounts = make(map[classify.Family]int64)
	}
	u.TokenCounts[family] += tokens
	return nil
}

func (s *memoryStore) RefreshAllQuotas(defaults map[classify.Family]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Type == TypeTemporary {
			continue // open question (b): temporary users are skipped
		}
		u.TokenCounts = make(map[classify.Family]int64)
		if u.Type != TypeSpecial {
			u.TokenLimits = make(map[classify.Family]int64, len(defaults))
			for f, v := range defaults {
				u.TokenLimits[f] = v
			}
		}
	}
	return nil
}

func (s *memoryStore) ExpireTemporaryUsers(now time.Time) (expired, deleted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, u := range s.users {
		if u.Type != TypeTemporary {
			continue
		}
		if u.DisabledAt == nil && u.ExpiresAt != nil && now.After(*u.ExpiresAt) {
			t := now
			u.DisabledAt = &t
			u.DisabledReason = "expired"
			expired++
			continue
		}
		if u.DisabledAt != nil && now.Sub(*u.DisabledAt) >= 24*time.Hour {
			delete(s.users, token)
			deleted++
		}
	}
	return expired, deleted
}

func (s *memoryStore) Close() {}

func containsString(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
