package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/port/cache"
)

const (
	// HeaderIdempotencyKey lets a client retry a submission without starting
	// a second pipeline.
	HeaderIdempotencyKey = "Idempotency-Key"

	maxIdempotencyBody = 1 << 20 // 1 MB
	idempotencyPrefix  = "idem:"
)

// idempotencyEntry is a recorded response.
type idempotencyEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency replays the recorded response for a repeated Idempotency-Key
// on POST requests. Only responses below 500 are recorded so a failed
// submission can be retried. Keys are scoped by path.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			cacheKey := idempotencyPrefix + r.URL.Path + ":" + key

			if raw, ok, err := store.Get(ctx, cacheKey); err != nil {
				slog.Warn("idempotency lookup failed", append(logger.Attrs(ctx), "key", key, "error", err)...)
			} else if ok {
				var cached idempotencyEntry
				if err := json.Unmarshal(raw, &cached); err == nil {
					replay(w, &cached)
					return
				}
				slog.Warn("idempotency entry corrupt", append(logger.Attrs(ctx), "key", key)...)
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(idempotencyEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := store.Set(ctx, cacheKey, data, ttl); err != nil {
				slog.Warn("idempotency store failed", append(logger.Attrs(ctx), "key", key, "error", err)...)
			}
		})
	}
}

func replay(w http.ResponseWriter, e *idempotencyEntry) {
	for k, vals := range e.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Body)
}

// responseRecorder tees the response so it can be recorded.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
