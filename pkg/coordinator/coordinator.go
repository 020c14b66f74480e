// Package coordinator sequences a single ask: validation, cache lookup,
// provider call over a pooled connection, cache store, session update and
// metrics.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cachepkg "github.com/pario-ai/chatrelay/pkg/cache/sqlite"
	"github.com/pario-ai/chatrelay/pkg/metrics"
	"github.com/pario-ai/chatrelay/pkg/models"
	"github.com/pario-ai/chatrelay/pkg/pool"
	"github.com/pario-ai/chatrelay/pkg/provider"
	"github.com/pario-ai/chatrelay/pkg/session"
	"github.com/pario-ai/chatrelay/pkg/worker"
)

// Deps are the shared components a Coordinator orchestrates. Cache may be
// nil to disable caching.
type Deps struct {
	Sessions *session.Store
	Cache    *cachepkg.Cache
	Pool     *pool.Pool[*provider.Conn]
	Provider provider.Completer
	Metrics  *metrics.Collector
	Workers  *worker.Pool
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Options tune request handling.
type Options struct {
	SystemPrompt string
	// HistoryAware folds the session history into the cache fingerprint.
	HistoryAware bool
}

// Coordinator answers questions for many concurrent sessions.
type Coordinator struct {
	Deps
	opts Options
}

// New creates a Coordinator.
func New(deps Deps, opts Options) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/pario-ai/chatrelay/pkg/coordinator")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil, deps.Pool)
	}
	return &Coordinator{Deps: deps, opts: opts}
}

// Ask answers req. Failures are returned as *Error.
func (c *Coordinator) Ask(ctx context.Context, req models.AskRequest) (*models.AskResponse, error) {
	timer := c.Metrics.Start()
	ctx, span := c.Tracer.Start(ctx, "coordinator.Ask")
	defer span.End()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, c.fail(span, timer, KindValidation, ErrValidation)
	}
	span.AddEvent("validated")

	sess, created := c.Sessions.Resolve(req.SessionID)
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Bool("session.created", created),
		attribute.Bool("session.new_conversation", req.NewConversation),
	)

	var history []models.ChatTurn
	if !req.NewConversation {
		history = c.Sessions.Snapshot(sess.ID)
	}
	key := cachepkg.Fingerprint(question, history, c.opts.HistoryAware)

	answer, fromCache := c.lookup(ctx, span, timer, key, req.BypassCache)
	if !fromCache {
		var err error
		answer, err = c.complete(ctx, span, timer, provider.Prompt{
			System:   c.opts.SystemPrompt,
			History:  history,
			Question: question,
		})
		if err != nil {
			kind := KindProvider
			if errors.Is(err, pool.ErrPoolExhausted) {
				kind = KindPoolExhausted
			}
			return nil, c.fail(span, timer, kind, err)
		}
		c.store(ctx, span, key, answer)
	}

	human, ai := models.HumanTurn(question), models.AssistantTurn(answer)
	var err error
	if req.NewConversation {
		err = c.Sessions.ResetAndAppend(sess.ID, human, ai)
	} else {
		err = c.Sessions.Append(sess.ID, human, ai)
	}
	if err != nil {
		c.Logger.Error("coordinator: session update failed", "session_id", sess.ID, "error", err)
	}
	span.AddEvent("session_updated")

	pm := c.Metrics.Finish(timer, metrics.OutcomeSuccess)
	return &models.AskResponse{
		Answer:             answer,
		ChatHistory:        c.Sessions.Snapshot(sess.ID),
		SessionID:          sess.ID,
		Status:             models.StatusSuccess,
		PerformanceMetrics: pm,
	}, nil
}

func (c *Coordinator) lookup(ctx context.Context, span trace.Span, timer *metrics.Timer, key string, bypass bool) (string, bool) {
	if c.Cache == nil {
		return "", false
	}
	if bypass {
		span.AddEvent("cache_bypassed")
		return "", false
	}
	entry, hit := c.Cache.Lookup(ctx, key)
	timer.RecordCacheHit(hit)
	if hit {
		span.AddEvent("cache_hit", trace.WithAttributes(attribute.Int64("cache.hit_count", entry.HitCount)))
		return entry.Answer, true
	}
	span.AddEvent("cache_miss")
	return "", false
}

// complete calls the provider, retrying once on a transient failure. A
// connection that failed at the transport level is discarded, so the retry
// runs on a fresh handle.
func (c *Coordinator) complete(ctx context.Context, span trace.Span, timer *metrics.Timer, p provider.Prompt) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		h, err := c.Pool.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("acquire connection: %w", err)
		}
		timer.RecordConnectionReused(h.Reused)
		span.AddEvent("connection_acquired", trace.WithAttributes(
			attribute.Int64("connection.id", h.ID),
			attribute.Bool("connection.reused", h.Reused),
		))

		start := time.Now()
		answer, err := c.Provider.Complete(ctx, h.Conn, p)
		timer.RecordAPICall(time.Since(start))

		if err == nil {
			c.Pool.Release(h, true)
			return answer, nil
		}
		c.Pool.Release(h, !provider.IsFatalConn(err))
		lastErr = err

		if !provider.IsRetryable(err) || ctx.Err() != nil || attempt == 2 {
			break
		}
		c.Logger.Warn("coordinator: provider call failed, retrying",
			"attempt", attempt, "connection_id", h.ID, "error", err)
		span.AddEvent("provider_retry")
	}
	return "", fmt.Errorf("provider call: %w", lastErr)
}

// store makes the answer visible in the cache index and hands persistence
// to the worker pool.
func (c *Coordinator) store(ctx context.Context, span trace.Span, key, answer string) {
	if c.Cache == nil {
		return
	}
	c.Cache.Store(key, answer)
	span.AddEvent("cache_stored")

	if c.Workers == nil {
		if err := c.Cache.Flush(ctx, key); err != nil {
			c.Logger.Warn("coordinator: cache flush failed", "error", err)
		}
		return
	}
	c.Workers.Submit(ctx, worker.CacheWriteTask(c.Cache, key))
}

func (c *Coordinator) fail(span trace.Span, timer *metrics.Timer, kind Kind, err error) error {
	outcome := metrics.OutcomeProvider
	switch kind {
	case KindValidation:
		outcome = metrics.OutcomeValidation
	case KindPoolExhausted:
		outcome = metrics.OutcomePoolExhausted
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	if kind != KindValidation {
		c.Logger.Warn("coordinator: ask failed", "kind", kind.String(), "error", err)
	}
	return &Error{Kind: kind, Err: err, Metrics: c.Metrics.Finish(timer, outcome)}
}
