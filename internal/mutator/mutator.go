// Package mutator implements the gateway's reversible request mutation
// pipeline: ProxyReqManager records every header/URL/body change so a
// request that is requeued after a rate-limit retry can be rolled back to
// its pristine form before the next attempt's mutators run again.
//
// This replaces the "monkey-patched proxy buffer" design note (§9): instead
// of forwarding a streaming request body, the manager owns outbound request
// construction end to end and finalizeBody stamps Content-Length on the
// byte buffer it holds, matching the way every provider in internal/providers already
// builds its own outbound call from normalized fields rather than piping a
// client stream through.
package mutator

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// ProxyReqManager accumulates header/URL/body mutations for one outbound
// request attempt and can Revert them to restore the pristine request.
type ProxyReqManager struct {
	headers    map[string]string
	origHeader map[string]*string // nil = header absent before first touch
	touchedHdr bool

	url     string
	origURL string
	touched bool

	body     []byte
	origBody []byte

	finalized bool
}

// New constructs a manager seeded with the pristine request's headers, URL,
// and body. The seed values are exactly what Revert restores.
func New(headers map[string]string, url string, body []byte) *ProxyReqManager {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	bodyCopy := append([]byte(nil), body...)
	return &ProxyReqManager{
		headers:    h,
		origHeader: make(map[string]*string),
		url:        url,
		origURL:    url,
		body:       bodyCopy,
		origBody:   append([]byte(nil), bodyCopy...),
	}
}

// SetHeader sets a header, recording its prior value (or absence) the first
// time this key is touched so Revert can restore it precisely.
func (m *ProxyReqManager) SetHeader(key, value string) {
	if _, recorded := m.origHeader[key]; !recorded {
		if old, ok := m.headers[key]; ok {
			oldCopy := old
			m.origHeader[key] = &oldCopy
		} else {
			m.origHeader[key] = nil
		}
	}
	m.headers[key] = value
}

// RemoveHeader deletes a header, recording its prior value for Revert.
func (m *ProxyReqManager) RemoveHeader(key string) {
	if _, recorded := m.origHeader[key]; !recorded {
		if old, ok := m.headers[key]; ok {
			oldCopy := old
			m.origHeader[key] = &oldCopy
		} else {
			m.origHeader[key] = nil
		}
	}
	delete(m.headers, key)
}

// SetURL rewrites the outbound URL.
func (m *ProxyReqManager) SetURL(u string) {
	m.url = u
}

// SetBody replaces the outbound body wholesale.
func (m *ProxyReqManager) SetBody(b []byte) {
	m.body = append([]byte(nil), b...)
}

// PatchBodyField sets a single JSON field in the body without disturbing
// any other (possibly vendor-specific, unknown) field — the "dynamic
// request body" design note's catch-all path, backed by sjson so unknown
// fields round-trip untouched.
func (m *ProxyReqManager) PatchBodyField(path string, value interface{}) error {
	next, err := sjson.SetBytes(m.body, path, value)
	if err != nil {
		return fmt.Errorf("mutator: patch body field %q: %w", path, err)
	}
	m.body = next
	return nil
}

// Header returns the current value of a header and whether it is set.
func (m *ProxyReqManager) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// URL returns the current outbound URL.
func (m *ProxyReqManager) URL() string { return m.url }

// Body returns the current outbound body.
func (m *ProxyReqManager) Body() []byte { return m.body }

// Headers returns a copy of the current header set.
func (m *ProxyReqManager) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// Revert undoes every recorded mutation, restoring headers, URL, and body
// to the values passed to New. Safe to call multiple times or on a manager
// that was never mutated (no-op).
func (m *ProxyReqManager) Revert() {
	for k, orig := range m.origHeader {
		if orig == nil {
			delete(m.headers, k)
		} else {
			m.headers[k] = *orig
		}
	}
	m.origHeader = make(map[string]*string)
	m.url = m.origURL
	m.body = append([]byte(nil), m.origBody...)
	m.finalized = false
}

// Finalized reports whether finalizeBody has run on this attempt.
func (m *ProxyReqManager) Finalized() bool { return m.finalized }

// markFinalized is called by the finalizeBody stage.
func (m *ProxyReqManager) markFinalized() { m.finalized = true }

// Mutator is one stage of the pipeline.
type Mutator func(m *ProxyReqManager, ctx *Context) error

// Context carries the per-request values mutators need that are not part of
// the outbound wire request itself (selected key, quota headroom, etc).
type Context struct {
	APIKeySecret    string
	QuotaRemaining  int64 // -1 means unlimited
	MaxCompletions  int   // clamp for limitCompletions; 0 means no clamp
	OriginAllowed   func(origin string) bool
	RequestOrigin   string
	StripHeaderKeys []string
}

// Stage names, in the mandatory execution order from spec §4.3.
const (
	StageApplyQuotaLimits   = "applyQuotaLimits"
	StageAddKey             = "addKey"
	StageLanguageFilter     = "languageFilter"
	StageLimitCompletions   = "limitCompletions"
	StageBlockZoomerOrigins = "blockZoomerOrigins"
	StageStripHeaders       = "stripHeaders"
	StageFinalizeBody       = "finalizeBody"
)

// DefaultPipeline returns the mandatory mutator sequence. finalizeBody is
// always last: it serializes the body and sets Content-Length.
func DefaultPipeline() []Mutator {
	return []Mutator{
		ApplyQuotaLimits,
		AddKey,
		LanguageFilter,
		LimitCompletions,
		BlockZoomerOrigins,
		StripHeaders,
		FinalizeBody,
	}
}

// Run executes every mutator in order, aborting on the first error. A
// mutator error means the request never reaches upstream; the caller must
// not revert in that case (the manager still reflects the failed attempt,
// useful for diagnostics) — reverting is the caller's choice on retry.
func Run(m *ProxyReqManager, ctx *Context, pipeline []Mutator) error {
	for _, stage := range pipeline {
		if err := stage(m, ctx); err != nil {
			return err
		}
	}
	return nil
}

// ApplyQuotaLimits clamps the requested max_tokens field to the user's
// remaining quota headroom, if any is configured and finite.
func ApplyQuotaLimits(m *ProxyReqManager, ctx *Context) error {
	if ctx.QuotaRemaining < 0 {
		return nil
	}
	var cur struct {
		MaxTokens *int64 `json:"max_tokens"`
	}
	if json.Unmarshal(m.body, &cur) == nil && cur.MaxTokens != nil && *cur.MaxTokens <= ctx.QuotaRemaining {
		return nil
	}
	return m.PatchBodyField("max_tokens", ctx.QuotaRemaining)
}

// AddKey attaches the selected credential as a Bearer Authorization header.
func AddKey(m *ProxyReqManager, ctx *Context) error {
	if ctx.APIKeySecret == "" {
		return fmt.Errorf("mutator: addKey: no API key in context")
	}
	m.SetHeader("Authorization", "Bearer "+ctx.APIKeySecret)
	return nil
}

// LanguageFilter is a pass-through hook point for content-language
// filtering; the gateway core does not impose one, but the stage must run
// in sequence for pipeline parity with the specification.
func LanguageFilter(m *ProxyReqManager, ctx *Context) error { return nil }

// LimitCompletions clamps the number of requested completions ("n") to
// ctx.MaxCompletions when configured.
func LimitCompletions(m *ProxyReqManager, ctx *Context) error {
	if ctx.MaxCompletions <= 0 {
		return nil
	}
	var cur struct {
		N *int `json:"n"`
	}
	if json.Unmarshal(m.body, &cur) == nil && cur.N != nil && *cur.N <= ctx.MaxCompletions {
		return nil
	}
	return m.PatchBodyField("n", ctx.MaxCompletions)
}

// BlockZoomerOrigins rejects requests whose Origin header fails the
// configured allow-list predicate. Named for the upstream policy this
// mirrors: a blanket origin-filter stage that existed in the system this
// pipeline is modeled on.
func BlockZoomerOrigins(m *ProxyReqManager, ctx *Context) error {
	if ctx.OriginAllowed == nil {
		return nil
	}
	if !ctx.OriginAllowed(ctx.RequestOrigin) {
		return fmt.Errorf("mutator: blockZoomerOrigins: origin %q not allowed", ctx.RequestOrigin)
	}
	return nil
}

// StripHeaders removes hop-by-hop and client-only headers that must not be
// forwarded upstream.
func StripHeaders(m *ProxyReqManager, ctx *Context) error {
	keys := ctx.StripHeaderKeys
	if len(keys) == 0 {
		keys = []string{"Cookie", "X-Forwarded-For", "X-Real-IP", "Host"}
	}
	for _, k := range keys {
		m.RemoveHeader(k)
	}
	return nil
}

// FinalizeBody must run last: it sets Content-Length from the current body
// length and marks the manager finalized so callers know the byte buffer
// is ready to publish.
func FinalizeBody(m *ProxyReqManager, ctx *Context) error {
	m.SetHeader("Content-Length", fmt.Sprintf("%d", len(m.body)))
	m.markFinalized()
	return nil
}
