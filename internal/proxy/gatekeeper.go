package proxy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nightproxy/llmgate/internal/classify"
	"github.com/nightproxy/llmgate/internal/errclass"
	"github.com/nightproxy/llmgate/internal/keypool"
	"github.com/nightproxy/llmgate/internal/mutator"
	"github.com/nightproxy/llmgate/internal/promptlog"
	"github.com/nightproxy/llmgate/internal/providers"
	"github.com/nightproxy/llmgate/internal/queue"
	"github.com/nightproxy/llmgate/internal/userstore"
	"github.com/valyala/fasthttp"
)

// Gatekeeper bundles the admission-side collaborators that sit in front of
// provider dispatch: the user/quota store, the key pool, the priority
// request queue, and the async prompt log. It is optional — a Gateway with
// no Gatekeeper behaves exactly like the teacher's original single-key
// dispatch, which keeps it a strict superset rather than a rewrite.
type Gatekeeper struct {
	Users   userstore.Store
	Keys    *keypool.Pool
	Queue   *queue.Queue
	Prompts *promptlog.Sink
	Log     *slog.Logger

	MaxIPsPerUser int
}

// NewGatekeeper wires a Pool, Queue, Store and Sink into one collaborator.
func NewGatekeeper(users userstore.Store, keys *keypool.Pool, prompts *promptlog.Sink, log *slog.Logger, maxIPsPerUser int) *Gatekeeper {
	if log == nil {
		log = slog.Default()
	}
	return &Gatekeeper{
		Users:         users,
		Keys:          keys,
		Queue:         queue.New(keys),
		Prompts:       prompts,
		Log:           log,
		MaxIPsPerUser: maxIPsPerUser,
	}
}

// authenticate resolves the bearer token in the Authorization header against
// the user store. A missing Gatekeeper is treated as "no auth configured" —
// callers skip straight to dispatch, matching the teacher's open-source
// build where only provider keys gate access.
func (g *Gatekeeper) authenticate(ctx *fasthttp.RequestCtx) (*userstore.User, *errclass.Error) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		return nil, errclass.Validation("missing Authorization bearer token")
	}

	u, err := g.Users.Authenticate(token, ctx.RemoteIP().String(), g.MaxIPsPerUser)
	switch err {
	case nil:
		return u, nil
	case userstore.ErrNotFound:
		return nil, errclass.New(errclass.KindValidation, "unknown API token")
	case userstore.ErrDisabled, userstore.ErrIPLimitReached:
		return nil, errclass.AccountDisabled("this account has been disabled")
	default:
		return nil, errclass.Wrap(err)
	}
}

// queueUserType maps a userstore.Type to the queue's priority tier.
func queueUserType(t userstore.Type) queue.UserType {
	switch t {
	case userstore.TypeSpecial:
		return queue.UserSpecial
	case userstore.TypeTemporary:
		return queue.UserTemporary
	default:
		return queue.UserNormal
	}
}

// dispatchResult carries the outcome of a queued job back to the HTTP
// goroutine that is blocked waiting on it.
type dispatchResult struct {
	key keypool.Selected
	err error
}

// admit runs fn (the actual provider call) through the request queue under
// the given shard and priority, blocking until it completes, the queue
// fails it, or ctx is canceled. It returns the key used (zero value on
// failure before dispatch) and any error.
func (g *Gatekeeper) admit(ctx context.Context, shard keypool.Shard, userType queue.UserType, streaming bool, heartbeat func(), fn func(ctx context.Context, key keypool.Selected) (retry bool, err error)) dispatchResult {
	done := make(chan dispatchResult, 1)

	job := &queue.Job{
		Shard:       shard,
		User:        userType,
		IsStreaming: streaming,
		Ctx:         ctx,
		Heartbeat:   heartbeat,
		Execute: func(execCtx context.Context, key keypool.Selected) (bool, error) {
			retry, err := fn(execCtx, key)
			if !retry {
				done <- dispatchResult{key: key, err: err}
			}
			return retry, err
		},
		Fail: func(err error) {
			done <- dispatchResult{err: err}
		},
	}

	if err := g.Queue.Admit(job); err != nil {
		return dispatchResult{err: err}
	}

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return dispatchResult{err: ctx.Err()}
	}
}

// estimateQuotaCost is a conservative pre-dispatch token estimate used only
// to gate admission; the authoritative count comes from the provider's
// reported usage and is applied after the call via recordUsage.
func estimateQuotaCost(maxTokens int) int64 {
	if maxTokens > 0 {
		return int64(maxTokens)
	}
	return 256
}

// recordUsage updates the user's per-family token counters and enqueues a
// prompt log row. Both are best-effort: a failure here must never affect
// the response already sent to the client.
func (g *Gatekeeper) recordUsage(row promptlog.Row, token string, family classify.Family, tokens int64) {
	if token != "" && tokens > 0 {
		if err := g.Users.IncrementUsage(token, family, tokens); err != nil {
			g.Log.Warn("gatekeeper: increment usage failed", slog.String("error", err.Error()), slog.String("token", token))
		}
	}
	if g.Prompts != nil {
		g.Prompts.Enqueue(row)
	}
}

// applyMutatorPipeline runs the standard mutation stages over the outbound
// request's headers/body before it reaches the provider, applying the
// selected key, the caller's quota headroom, and origin filtering.
func applyMutatorPipeline(headers map[string]string, url string, body []byte, mctx *mutator.Context) (*mutator.ProxyReqManager, error) {
	m := mutator.New(headers, url, body)
	if err := mutator.Run(m, mctx, mutator.DefaultPipeline()); err != nil {
		return nil, err
	}
	return m, nil
}

// newRequestToken generates an opaque request identifier for correlating
// queue admission, provider dispatch, and the prompt log row.
func newRequestToken() string { return uuid.NewString() }

// isProviderRateLimit reports whether err is a genuine upstream 429, the
// only condition that should mark a key rate-limited in the pool (as
// opposed to a generic 5xx or timeout, which is a provider/infra failure).
func isProviderRateLimit(err error) bool {
	if sc, ok := err.(providers.StatusCoder); ok {
		return sc.HTTPStatus() == fasthttp.StatusTooManyRequests
	}
	return false
}
