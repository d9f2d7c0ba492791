// Package keypool implements the gateway's multi-provider credential
// registry: a pool of upstream API keys per provider, selected per request
// under rate-limit, usage, and priority constraints.
//
// The concurrency pattern (per-key RWMutex plus a coarse pool RWMutex for
// the slice/map membership) mirrors the circuit breaker registry in
// internal/proxy/circuitbreaker.go — many independent entities, each with
// its own hot state, registered under one guarded map.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nightproxy/llmgate/internal/classify"
)

// Default timing constants from the specification.
const (
	RateLimitLockout = 2000 * time.Millisecond
	KeyReuseDelay    = 500 * time.Millisecond
)

// ErrNoAvailableKey is returned by Get when no enabled key in the pool
// serves the requested (service, family) shard.
var ErrNoAvailableKey = errors.New("keypool: no available key")

// Shard identifies a (service, modelFamily) partition. Key selection,
// throttling, and lockout computation are all scoped to a shard.
type Shard struct {
	Service string
	Family  classify.Family
}

func (s Shard) key() string { return s.Service + "\x00" + string(s.Family) }

// Key is the pool's internal, mutable record for one credential. All field
// access outside this package goes through Snapshot, which copies out an
// immutable view and elides the secret.
type Key struct {
	mu sync.RWMutex

	hash    string
	secret  string
	service string
	isTrial bool

	families map[classify.Family]bool

	promptCount int64
	tokenCounts map[classify.Family]int64

	lastUsed    time.Time
	lastChecked time.Time

	// rateLimitedAt/rateLimitedUntil: set by MarkRateLimited on a genuine
	// upstream 429. Global to the key (not shard-scoped) since a 429 from
	// one upstream call is evidence the credential itself is exhausted.
	rateLimitedAt    time.Time
	rateLimitedUntil time.Time

	// shardThrottle resolves the spec's open question (a): the defensive
	// KEY_REUSE_DELAY applied after every successful selection is scoped
	// per shard, not global to the key, so a burst against one model
	// family does not throttle a disjoint family sharing the credential.
	shardThrottle map[string]time.Time

	isDisabled bool

	// extra holds provider-specific opaque fields (OpenAI org id, AWS
	// region, etc.) that the pool never interprets.
	extra map[string]string
}

// NewKey constructs a Key for the given provider secret. The hash is a
// stable, short hex SHA-256 prefixed by the provider tag, immutable and
// unique within the pool for the life of the process.
func NewKey(service, secret string, families []classify.Family) *Key {
	sum := sha256.Sum256([]byte(secret))
	hash := service + "_" + hex.EncodeToString(sum[:])[:12]

	fams := make(map[classify.Family]bool, len(families))
	for _, f := range families {
		fams[f] = true
	}

	return &Key{
		hash:          hash,
		secret:        secret,
		service:       service,
		families:      fams,
		tokenCounts:   make(map[classify.Family]int64),
		shardThrottle: make(map[string]time.Time),
		extra:         make(map[string]string),
	}
}

// Snapshot is an immutable, secret-elided view of a Key returned by List.
type Snapshot struct {
	Hash        string
	Service     string
	Families    []classify.Family
	PromptCount int64
	TokenCounts map[classify.Family]int64
	LastUsed    time.Time
	LastChecked time.Time
	IsDisabled  bool
	IsTrial     bool
}

// Selected is returned by Get: an immutable copy including the secret,
// needed to actually perform the outbound call.
type Selected struct {
	Hash    string
	Secret  string
	Service string
}

func (k *Key) snapshot() Snapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()

	fams := make([]classify.Family, 0, len(k.families))
	for f := range k.families {
		fams = append(fams, f)
	}
	counts := make(map[classify.Family]int64, len(k.tokenCounts))
	for f, c := range k.tokenCounts {
		counts[f] = c
	}

	return Snapshot{
		Hash:        k.hash,
		Service:     k.service,
		Families:    fams,
		PromptCount: k.promptCount,
		TokenCounts: counts,
		LastUsed:    k.lastUsed,
		LastChecked: k.lastChecked,
		IsDisabled:  k.isDisabled,
		IsTrial:     k.isTrial,
	}
}

// blockedFor reports whether the key is currently unusable for shard, and
// the timestamp that should drive tie-breaking among blocked keys (earlier
// wins — it clears first).
func (k *Key) blockedFor(shard Shard, now time.Time) (blocked bool, effectiveAt time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.families[shard.Family] {
		return true, now // not eligible; treated as maximally blocked
	}

	globalBlocked := now.Before(k.rateLimitedUntil)
	shardUntil, ok := k.shardThrottle[shard.key()]
	shardBlocked := ok && now.Before(shardUntil)

	if !globalBlocked && !shardBlocked {
		return false, time.Time{}
	}

	at := k.rateLimitedAt
	if shardBlocked && (!globalBlocked || shardUntil.Before(k.rateLimitedUntil)) {
		// Use the shard throttle's set time (until - delay) as the
		// effective mark for tie-breaking when it's the binding
		// constraint.
		at = shardUntil.Add(-KeyReuseDelay)
	}
	return true, at
}

// Pool holds every configured Key for one or more providers and implements
// the selection algorithm from spec §4.2.
type Pool struct {
	mu   sync.RWMutex
	keys map[string]*Key // by hash
	list []*Key          // stable iteration order = insertion order
}

// New constructs an empty Pool. Keys are added with Add.
func New() *Pool {
	return &Pool{keys: make(map[string]*Key)}
}

// Add registers a key in the pool. Safe to call concurrently with Get.
func (p *Pool) Add(k *Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.keys[k.hash]; exists {
		return
	}
	p.keys[k.hash] = k
	p.list = append(p.list, k)
}

// Get selects one enabled key eligible for shard under the total order from
// spec §4.2: not-currently-blocked before blocked; among blocked keys the
// one blocked earliest wins; ties broken by older lastUsed.
//
// On success it stamps lastUsed = now and sets a per-shard reuse-delay
// throttle (not a genuine rate limit) to prevent flooding a freshly
// selected key before its outcome is known.
func (p *Pool) Get(service string, family classify.Family) (Selected, error) {
	p.mu.RLock()
	candidates := make([]*Key, 0, len(p.list))
	for _, k := range p.list {
		k.mu.RLock()
		disabled := k.isDisabled
		svc := k.service
		k.mu.RUnlock()
		if !disabled && svc == service {
			candidates = append(candidates, k)
		}
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return Selected{}, ErrNoAvailableKey
	}

	shard := Shard{Service: service, Family: family}
	now := time.Now()

	type ranked struct {
		k          *Key
		blocked    bool
		effective  time.Time
		lastUsed   time.Time
		eligible   bool
	}
	rs := make([]ranked, 0, len(candidates))
	for _, k := range candidates {
		k.mu.RLock()
		eligible := k.families[family]
		lastUsed := k.lastUsed
		k.mu.RUnlock()
		if !eligible {
			continue
		}
		blocked, at := k.blockedFor(shard, now)
		rs = append(rs, ranked{k: k, blocked: blocked, effective: at, lastUsed: lastUsed, eligible: true})
	}

	if len(rs) == 0 {
		return Selected{}, ErrNoAvailableKey
	}

	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].blocked != rs[j].blocked {
			return !rs[i].blocked // unblocked first
		}
		if rs[i].blocked {
			if !rs[i].effective.Equal(rs[j].effective) {
				return rs[i].effective.Before(rs[j].effective)
			}
		}
		return rs[i].lastUsed.Before(rs[j].lastUsed)
	})

	chosen := rs[0].k
	chosen.mu.Lock()
	chosen.lastUsed = now
	chosen.shardThrottle[shard.key()] = now.Add(KeyReuseDelay)
	secret := chosen.secret
	hash := chosen.hash
	chosen.mu.Unlock()

	return Selected{Hash: hash, Secret: secret, Service: service}, nil
}

// Disable marks a key permanently unusable. Idempotent; never errors.
func (p *Pool) Disable(hash, reason string) {
	p.mu.RLock()
	k, ok := p.keys[hash]
	p.mu.RUnlock()
	if !ok {
		return
	}
	k.mu.Lock()
	k.isDisabled = true
	k.mu.Unlock()
	_ = reason // caller is expected to log at warn with this reason
}

// Update merges provider-specific opaque fields and bumps lastChecked.
func (p *Pool) Update(hash string, partial map[string]string) {
	p.mu.RLock()
	k, ok := p.keys[hash]
	p.mu.RUnlock()
	if !ok {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for field, v := range partial {
		k.extra[field] = v
	}
	k.lastChecked = time.Now()
}

// MarkRateLimited records a genuine upstream 429 against the key, globally
// (not shard-scoped): rateLimitedAt = now, rateLimitedUntil = now + lockout.
func (p *Pool) MarkRateLimited(hash string) {
	p.mu.RLock()
	k, ok := p.keys[hash]
	p.mu.RUnlock()
	if !ok {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	k.rateLimitedAt = now
	k.rateLimitedUntil = now.Add(RateLimitLockout)
}

// IncrementUsage bumps promptCount and the family's token counter. Counters
// are monotonic for the process lifetime.
func (p *Pool) IncrementUsage(hash string, family classify.Family, tokens int64) {
	p.mu.RLock()
	k, ok := p.keys[hash]
	p.mu.RUnlock()
	if !ok {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.promptCount++
	k.tokenCounts[family] += tokens
}

// Available reports the count of enabled keys for a provider.
func (p *Pool) Available(service string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, k := range p.list {
		k.mu.RLock()
		if !k.isDisabled && k.service == service {
			n++
		}
		k.mu.RUnlock()
	}
	return n
}

// List returns redacted snapshots of every key in the pool.
func (p *Pool) List() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Snapshot, 0, len(p.list))
	for _, k := range p.list {
		out = append(out, k.snapshot())
	}
	return out
}

// AnyUnchecked reports whether any key has never been health-checked.
func (p *Pool) AnyUnchecked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.list {
		k.mu.RLock()
		unchecked := k.lastChecked.IsZero()
		k.mu.RUnlock()
		if unchecked {
			return true
		}
	}
	return false
}

// GetLockoutPeriod returns 0 if any enabled key for the shard is not
// currently blocked, or if no enabled key exists for the shard at all (so
// the caller surfaces a clean NoAvailableKey instead of stalling). Otherwise
// it returns the minimum remaining blocked duration across enabled keys.
func (p *Pool) GetLockoutPeriod(service string, family classify.Family) time.Duration {
	p.mu.RLock()
	candidates := make([]*Key, 0, len(p.list))
	for _, k := range p.list {
		k.mu.RLock()
		eligible := !k.isDisabled && k.service == service && k.families[family]
		k.mu.RUnlock()
		if eligible {
			candidates = append(candidates, k)
		}
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	shard := Shard{Service: service, Family: family}
	now := time.Now()

	var min time.Duration = -1
	for _, k := range candidates {
		blocked, _ := k.blockedFor(shard, now)
		if !blocked {
			return 0
		}
		k.mu.RLock()
		until := k.rateLimitedUntil
		if t, ok := k.shardThrottle[shard.key()]; ok && t.After(until) {
			until = t
		}
		k.mu.RUnlock()
		remaining := until.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if min == -1 || remaining < min {
			min = remaining
		}
	}
	if min == -1 {
		return 0
	}
	return min
}
