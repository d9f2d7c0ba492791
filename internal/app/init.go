package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	npCache "github.com/nightproxy/llmgate/internal/cache"
	"github.com/nightproxy/llmgate/internal/classify"
	"github.com/nightproxy/llmgate/internal/keypool"
	"github.com/nightproxy/llmgate/internal/metrics"
	"github.com/nightproxy/llmgate/internal/promptlog"
	"github.com/nightproxy/llmgate/internal/proxy"
	"github.com/nightproxy/llmgate/internal/ratelimit"
	"github.com/nightproxy/llmgate/internal/userstore"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; config's validate() rejects a config without one unless client
// API keys are allowed, and this step fails when the map comes out empty.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// initGatekeeper builds the optional admission-side pipeline (user store,
// key pool, request queue, prompt log) and installs it on the Gateway. It is
// always constructed — an empty key pool simply means every request falls
// through to keypool.ErrNoAvailableKey, which the queue surfaces as a clean
// 503 rather than silently bypassing admission control.
func (a *App) initGatekeeper(_ context.Context) error {
	pool := keypool.New()
	for provider, cfgKey := range map[string]string{
		"openai":    a.cfg.OpenAI.APIKey,
		"anthropic": a.cfg.Anthropic.APIKey,
		"gemini":    a.cfg.Gemini.APIKey,
		"mistral":   a.cfg.Mistral.APIKey,
		"azure":     a.cfg.Azure.APIKey,
		"bedrock":   a.cfg.Bedrock.SecretKey,
	} {
		for _, secret := range splitSecrets(cfgKey) {
			pool.Add(keypool.NewKey(provider, secret, familiesFor(provider)))
		}
	}

	var users userstore.Store
	switch a.cfg.Gatekeeper.Store {
	case "redis":
		if a.rdb == nil {
			return fmt.Errorf("gatekeeper: redis store selected but redis is not connected")
		}
		users = userstore.NewRedisStore(a.rdb, a.log)
	default:
		users = userstore.NewMemoryStore()
	}

	prompts, err := promptlog.New(a.cfg.PromptLog.ClickhouseDSN, a.log)
	if err != nil {
		return fmt.Errorf("promptlog: %w", err)
	}

	gk := proxy.NewGatekeeper(users, pool, prompts, a.log, a.cfg.Gatekeeper.MaxIPsPerUser)
	a.gw.SetGatekeeper(gk)
	a.gatekeeper = gk

	a.log.Info("gatekeeper ready",
		slog.String("store", a.cfg.Gatekeeper.Store),
		slog.Int("keys", len(pool.List())),
	)
	return nil
}

// splitSecrets parses a comma-separated KEY list, trimming whitespace and
// dropping empty entries — lets one env var seed several rotating keys per
// provider for the key pool's selection algorithm to actually have a choice.
func splitSecrets(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// familiesFor lists the model families a provider's keys may serve. Kept
// deliberately generous: the key pool only gates *eligibility*, not
// correctness — an actual request for a family the provider cannot serve
// still fails downstream at the provider client.
func familiesFor(service string) []classify.Family {
	switch service {
	case "openai", "azure", "vertexai":
		return []classify.Family{
			classify.FamilyTurbo, classify.FamilyGPT4, classify.FamilyGPT432K,
			classify.FamilyGPT4Turbo, classify.FamilyDallE, classify.Family(service + "-unknown"),
		}
	case "anthropic":
		return []classify.Family{classify.FamilyClaude, classify.FamilyAWSClaude}
	case "bedrock":
		return []classify.Family{classify.FamilyAWSClaude}
	case "gemini":
		return []classify.Family{classify.FamilyBison, classify.Family(service + "-unknown")}
	case "mistral":
		return []classify.Family{
			classify.FamilyMistral, "mistral-large", "mistral-medium", "mistral-small",
			"mistral-nemo", "mistral-mixtral", "mistral-codestral",
		}
	default:
		return []classify.Family{classify.Family(service + "-unknown")}
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
