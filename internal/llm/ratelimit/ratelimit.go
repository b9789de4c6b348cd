// Package ratelimit wraps an llm.Backend with an adaptive, AIMD-style
// tokens-per-minute limiter, following goa-ai's AdaptiveRateLimiter: a
// process-local golang.org/x/time/rate limiter whose budget backs off on
// provider rate-limit errors and recovers on success, optionally reading
// its budget from a goa.design/pulse/rmap replicated map. Local backoff and
// recovery are not written back to that map.
package ratelimit

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
	"goa.design/pulse/rmap"

	"github.com/taskgraph/orchestrator/internal/llm"
	"github.com/taskgraph/orchestrator/internal/orcherr"
)

type (
	// Limiter applies an adaptive tokens-per-minute budget in front of an
	// llm.Backend. Construct one per process (or one per cluster key, when
	// reading budget from a shared map via NewCluster) and wrap the
	// underlying Backend with Wrap.
	Limiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64
	}

	limitedBackend struct {
		next    llm.Backend
		limiter *Limiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

var _ llm.Backend = (*limitedBackend)(nil)

// New constructs a process-local Limiter with the given tokens-per-minute
// budget and ceiling.
func New(initialTPM, maxTPM float64) *Limiter {
	return newClusterLimiter(context.Background(), nil, "", initialTPM, maxTPM)
}

// NewCluster constructs a Limiter that reads its budget from a Pulse
// replicated map keyed by key: the key is seeded when absent, and the shared
// value is adopted at construction and whenever the map changes. Backoff and
// recovery adjust only this process's budget and are not written back to
// the map. When m is nil, it behaves exactly like New.
func NewCluster(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *Limiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newClusterLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}

	sharedTPM := initialTPM
	if m != nil && key != "" {
		if _, ok := m.Get(key); !ok {
			_, _ = m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM)))
		}
		if cur, ok := m.Get(key); ok {
			if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
				sharedTPM = v
			}
		}
	}

	l := &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(sharedTPM/60.0), int(sharedTPM)),
		currentTPM:   sharedTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}

	if m != nil && key != "" {
		ch := m.Subscribe()
		go func() {
			for range ch {
				cur, ok := m.Get(key)
				if !ok {
					continue
				}
				if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
					l.replaceTPM(v)
				}
			}
		}()
	}
	return l
}

// Wrap returns an llm.Backend that enforces this Limiter's budget before
// delegating Chat/Embed calls to next.
func (l *Limiter) Wrap(next llm.Backend) llm.Backend {
	if next == nil {
		return nil
	}
	return &limitedBackend{next: next, limiter: l}
}

func (c *limitedBackend) Name() string { return c.next.Name() }

func (c *limitedBackend) Ping(ctx context.Context) error { return c.next.Ping(ctx) }

func (c *limitedBackend) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := c.limiter.wait(ctx, estimateChatTokens(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Chat(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedBackend) Embed(ctx context.Context, req llm.EmbedRequest) (*llm.EmbedResponse, error) {
	if err := c.limiter.wait(ctx, estimateEmbedTokens(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Embed(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *Limiter) wait(ctx context.Context, tokens int) error {
	if err := l.limiter.WaitN(ctx, tokens); err != nil {
		if ctx.Err() != nil {
			return orcherr.New(orcherr.KindCancelled, "cancelled", "rate limiter wait cancelled", ctx.Err())
		}
		return orcherr.Transient("rate_limit_wait_failed", "rate limiter burst exceeded", err)
	}
	return nil
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if e, ok := orcherr.Of(err); ok && e.Retryable() {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPMLocked(newTPM)
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPMLocked(newTPM)
}

func (l *Limiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	l.setTPMLocked(tpm)
}

func (l *Limiter) setTPMLocked(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// CurrentTPM reports the limiter's current effective budget, for metrics.
func (l *Limiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func estimateChatTokens(req llm.ChatRequest) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func estimateEmbedTokens(req llm.EmbedRequest) int {
	chars := 0
	for _, s := range req.Input {
		chars += len(s)
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }
