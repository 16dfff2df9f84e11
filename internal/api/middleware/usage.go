package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/apimeter/internal/metrics"
	"github.com/kiranshivaraju/apimeter/internal/store"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

const defaultUsageWriteTimeout = 5 * time.Second

// UsageTracker records one usage row per request that carries a verifiable
// bearer credential. Store writes run in the background and never affect
// the response.
type UsageTracker struct {
	verifier     TokenVerifier
	tokens       store.TokenStore
	usage        store.UsageStore
	metrics      *metrics.Metrics
	writeTimeout time.Duration

	wg sync.WaitGroup
}

func NewUsageTracker(verifier TokenVerifier, tokens store.TokenStore, usage store.UsageStore,
	m *metrics.Metrics, writeTimeout time.Duration) *UsageTracker {
	if writeTimeout <= 0 {
		writeTimeout = defaultUsageWriteTimeout
	}
	return &UsageTracker{
		verifier:     verifier,
		tokens:       tokens,
		usage:        usage,
		metrics:      m,
		writeTimeout: writeTimeout,
	}
}

// Track wraps next. The record is written even when next panics; the panic
// is re-raised afterwards.
func (t *UsageTracker) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		raw := extractBearerToken(r)
		userID, tokenID := t.resolve(r, raw)

		rec := newStatusRecorder(w)
		defer func() {
			p := recover()
			if p != nil && p != http.ErrAbortHandler {
				rec.status = http.StatusInternalServerError
			}
			if userID != "" && raw != "" {
				t.record(&models.Usage{
					UserID:       userID,
					Token:        raw,
					TokenID:      tokenID,
					Endpoint:     r.URL.Path,
					Method:       r.Method,
					StatusCode:   rec.status,
					ResponseTime: float64(time.Since(start).Microseconds()) / 1000,
					Timestamp:    start.UTC(),
				})
			}
			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}

// resolve verifies raw and finds its token record, touching last_used.
// Failures are logged and leave the corresponding result empty.
func (t *UsageTracker) resolve(r *http.Request, raw string) (string, *string) {
	if raw == "" {
		return "", nil
	}
	claims, err := t.verifier.Verify(raw)
	if err != nil {
		slog.Warn("usage tracking: credential not verified", "error", err, "credential", redact(raw))
		return "", nil
	}
	if claims.UserID == "" {
		return "", nil
	}

	token, ok := GetToken(r)
	if !ok || token.Token != raw {
		token, err = t.tokens.GetTokenByValue(r.Context(), raw)
		if err != nil {
			slog.Warn("usage tracking: token lookup failed", "error", err, "credential", redact(raw))
			return claims.UserID, nil
		}
	}

	id := token.ID
	t.touch(id)
	return claims.UserID, &id
}

func (t *UsageTracker) touch(tokenID string) {
	at := time.Now().UTC()
	t.background(func(ctx context.Context) {
		if err := t.tokens.UpdateTokenLastUsed(ctx, tokenID, at); err != nil {
			slog.Warn("usage tracking: last used update failed", "error", err, "token_id", tokenID)
		}
	})
}

func (t *UsageTracker) record(u *models.Usage) {
	t.background(func(ctx context.Context) {
		if err := t.usage.CreateUsage(ctx, u); err != nil {
			t.metrics.UsageRecord(metrics.UsageFailed)
			slog.Error("usage tracking: record write failed",
				"error", err,
				"user_id", u.UserID,
				"endpoint", u.Endpoint,
			)
			return
		}
		t.metrics.UsageRecord(metrics.UsageRecorded)
	})
}

// background runs fn on its own goroutine with a context detached from the
// request, bounded by the write timeout.
func (t *UsageTracker) background(fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every background write started so far has finished.
func (t *UsageTracker) Wait() {
	t.wg.Wait()
}
