package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// processingTTL bounds the lock so a crashed handler cannot block the key
	// forever.
	processingTTL = 10 * time.Second
	completedTTL  = 24 * time.Hour
)

// Idempotency dedupes state-changing requests carrying an Idempotency-Key
// header. Requests without the header pass through untouched, as do all
// requests when redis is unreachable; availability wins over strictness here.
func Idempotency(redisClient *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := "idempotency:" + key
			ctx := r.Context()

			_, err := redisClient.Get(ctx, idemKey).Result()
			if err == nil {
				w.Header().Set("X-Idempotency-Hit", "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"code": "validation", "message": "request already processed"}`))
				return
			}
			if !errors.Is(err, redis.Nil) {
				next.ServeHTTP(w, r)
				return
			}

			acquired, err := redisClient.SetNX(ctx, idemKey, "PROCESSING", processingTTL).Result()
			if err != nil || !acquired {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"code": "validation", "message": "concurrent request with the same idempotency key"}`))
				return
			}

			next.ServeHTTP(w, r)

			redisClient.Set(ctx, idemKey, "COMPLETED", completedTTL)
		})
	}
}
