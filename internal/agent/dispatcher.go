package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evoforge/substrate/internal/agent/providers"
	"github.com/evoforge/substrate/internal/infra"
	"github.com/evoforge/substrate/pkg/models"
)

// ChainEntry is one (provider, model) pair in a failover chain.
type ChainEntry struct {
	Provider string
	Model    string
}

// AttemptMetric describes one provider call the dispatcher made, whether it
// succeeded or failed.
type AttemptMetric struct {
	Provider     string
	Model        string
	KeyID        string
	Class        providers.ErrorClass
	Success      bool
	LatencyMS    int64
	InputTokens  int
	OutputTokens int
}

// MetricsSink receives one AttemptMetric per dispatcher attempt.
type MetricsSink interface {
	RecordAttempt(AttemptMetric)
}

// NopMetricsSink discards attempts. Useful as a default when no metrics
// backend is wired.
type NopMetricsSink struct{}

func (NopMetricsSink) RecordAttempt(AttemptMetric) {}

// keyID redacts a credential to a stable, loggable identifier: its first
// six characters. Good enough to tell keys apart without leaking them.
func keyID(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[:6]
}

// keyRing tracks round-robin rotation and cooldown state for one provider's
// registered keys.
type keyRing struct {
	mu       sync.Mutex
	keys     []string
	next     int
	cooldown time.Duration
	health   map[string]*models.ProviderHealth
}

func newKeyRing(keys []string, cooldown time.Duration) *keyRing {
	return &keyRing{keys: keys, cooldown: cooldown, health: make(map[string]*models.ProviderHealth)}
}

// pick returns the next key not currently in cooldown, advancing the
// round-robin cursor past it.
func (r *keyRing) pick() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", errors.New("no keys registered")
	}
	now := time.Now()
	for i := 0; i < len(r.keys); i++ {
		idx := (r.next + i) % len(r.keys)
		key := r.keys[idx]
		h := r.health[key]
		if h == nil || h.CooldownUntil.IsZero() || now.After(h.CooldownUntil) {
			r.next = (idx + 1) % len(r.keys)
			return key, nil
		}
	}
	return "", errors.New("all keys in cooldown")
}

// markFailed puts key in cooldown. If provider is non-empty and err carries
// a server-specified retry-after hint, that duration overrides the ring's
// fixed cooldown so a provider's own backoff guidance wins.
func (r *keyRing) markFailed(provider, key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health[key]
	if h == nil {
		h = &models.ProviderHealth{KeyID: keyID(key)}
		r.health[key] = h
	}
	h.ConsecutiveAuthFailures++
	h.LastFailureAt = time.Now()
	h.CooldownUntil = time.Now().Add(infra.RetryAfter(provider, err, r.cooldown))
}

func (r *keyRing) markSucceeded(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[key]; ok {
		h.ConsecutiveAuthFailures = 0
		h.CooldownUntil = time.Time{}
	}
}

// Dispatcher hides provider differences, auth-key rotation, and failover
// behind one entry point. It owns all retry and rotation policy; the
// providers it holds make exactly one attempt per call.
type Dispatcher struct {
	mu        sync.RWMutex
	providers map[string]Provider
	keys      map[string]*keyRing
	metrics   MetricsSink
	cooldown  time.Duration
}

// NewDispatcher constructs a Dispatcher. cooldown is how long an
// auth-failed key is skipped before being retried; it defaults to 5
// minutes if zero.
func NewDispatcher(metrics MetricsSink, cooldown time.Duration) *Dispatcher {
	if metrics == nil {
		metrics = NopMetricsSink{}
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Dispatcher{
		providers: make(map[string]Provider),
		keys:      make(map[string]*keyRing),
		metrics:   metrics,
		cooldown:  cooldown,
	}
}

// RegisterProvider makes a provider available to failover chains under name,
// with its rotation set of keys.
func (d *Dispatcher) RegisterProvider(name string, p Provider, keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[name] = p
	d.keys[name] = newKeyRing(keys, d.cooldown)
}

func (d *Dispatcher) provider(name string) (Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

func (d *Dispatcher) ring(name string) (*keyRing, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.keys[name]
	return r, ok
}

// Complete walks chain in order, making exactly one attempt per pair, until
// one streams back content or the chain is exhausted. The returned channel
// is closed once the winning provider's stream ends, or immediately after
// a single terminal error chunk if every pair failed.
func (d *Dispatcher) Complete(ctx context.Context, chain []ChainEntry, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if len(chain) == 0 {
		return nil, ErrNoProvider
	}

	out := make(chan *CompletionChunk)
	go d.run(ctx, chain, req, out)
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, chain []ChainEntry, req *CompletionRequest, out chan<- *CompletionChunk) {
	defer close(out)

	var lastErr error
	attempted := make([]string, 0, len(chain))
	var activeProvider, activeKey string

	for _, entry := range chain {
		pairLabel := entry.Provider + "/" + entry.Model
		provider, ok := d.provider(entry.Provider)
		if !ok {
			lastErr = fmt.Errorf("dispatcher: unknown provider %q", entry.Provider)
			attempted = append(attempted, pairLabel)
			continue
		}

		if entry.Provider != activeProvider {
			ring, ok := d.ring(entry.Provider)
			if !ok {
				lastErr = fmt.Errorf("dispatcher: no keys registered for provider %q", entry.Provider)
				attempted = append(attempted, pairLabel)
				continue
			}
			key, err := ring.pick()
			if err != nil {
				lastErr = fmt.Errorf("dispatcher: %s: %w", entry.Provider, err)
				attempted = append(attempted, pairLabel)
				continue
			}
			activeProvider = entry.Provider
			activeKey = key
		}

		attemptReq := *req
		attemptReq.Model = entry.Model

		start := time.Now()
		chunks, err := provider.Complete(ctx, &attemptReq, activeKey)
		if err != nil {
			d.finishAttempt(entry, activeKey, err, start, false, 0, 0)
			lastErr = err
			attempted = append(attempted, pairLabel)
			continue
		}

		streamErr, inTok, outTok := relay(chunks, out)
		if streamErr == nil {
			d.finishAttempt(entry, activeKey, nil, start, true, inTok, outTok)
			return
		}

		d.finishAttempt(entry, activeKey, streamErr, start, false, 0, 0)
		lastErr = streamErr
		attempted = append(attempted, pairLabel)
	}

	out <- &CompletionChunk{Error: fmt.Errorf("dispatcher: chain exhausted (%s): %w", strings.Join(attempted, " -> "), lastErr)}
}

func (d *Dispatcher) finishAttempt(entry ChainEntry, key string, err error, start time.Time, success bool, inTok, outTok int) {
	class := providers.ClassUnknown
	if err != nil {
		class = providers.ClassOf(err)
		if ring, ok := d.ring(entry.Provider); ok && class.MarksKeyFailed() {
			ring.markFailed(entry.Provider, key, err)
		}
	} else if ring, ok := d.ring(entry.Provider); ok {
		ring.markSucceeded(key)
	}

	d.metrics.RecordAttempt(AttemptMetric{
		Provider:     entry.Provider,
		Model:        entry.Model,
		KeyID:        keyID(key),
		Class:        class,
		Success:      success,
		LatencyMS:    time.Since(start).Milliseconds(),
		InputTokens:  inTok,
		OutputTokens: outTok,
	})
}

// relay forwards chunks from a provider's channel to out. It buffers chunks
// until either an error arrives (before any content — returned so the
// caller can fail over without the caller-of-Complete ever seeing it) or a
// text/tool-call chunk arrives (after which the stream is committed and
// every subsequent chunk, including a terminal error, is forwarded as-is).
func relay(in <-chan *CompletionChunk, out chan<- *CompletionChunk) (err error, inputTokens, outputTokens int) {
	var pending []*CompletionChunk
	delivered := false

	for c := range in {
		if !delivered {
			if c.Error != nil {
				return c.Error, 0, 0
			}
			pending = append(pending, c)
			if c.Text != "" || c.ToolCall != nil {
				delivered = true
				for _, p := range pending {
					out <- p
				}
				pending = nil
			}
			continue
		}
		out <- c
		if c.Done {
			inputTokens, outputTokens = c.InputTokens, c.OutputTokens
		}
	}

	if !delivered {
		for _, p := range pending {
			out <- p
			if p.Done {
				inputTokens, outputTokens = p.InputTokens, p.OutputTokens
			}
		}
	}
	return nil, inputTokens, outputTokens
}
