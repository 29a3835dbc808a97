/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, signature verification, or adding context to a request.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, crypto/subtle: Webhook signature verification.
 * - net/http, strings: Standard Go libraries.
 */

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splitwell/settlement-service/internal/app"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const requestUserIDKey UserIDContextKey = "requestUserID"

// InternalAuthMiddleware guards the internal maintenance endpoints. Callers must
// present the shared internal API key in the x-internal-api-key header.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				log.Printf("level=error component=api middleware=internal_auth outcome=reject reason=api_key_unconfigured path=%s", r.URL.Path)
				http.Error(w, "Internal API not configured", http.StatusServiceUnavailable)
				return
			}
			provided := r.Header.Get("x-internal-api-key")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				log.Printf("level=warn component=api middleware=internal_auth outcome=reject reason=invalid_api_key path=%s", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIdentityMiddleware extracts the caller's user ID from the x-user-id header
// set by the API gateway after it authenticates the session. Requests without a
// parseable UUID are rejected before they reach a handler.
func UserIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("x-user-id"))
		if raw == "" {
			http.Error(w, "Missing x-user-id header", http.StatusUnauthorized)
			return
		}
		userID, err := uuid.Parse(raw)
		if err != nil {
			log.Printf("level=warn component=api middleware=user_identity outcome=reject reason=invalid_user_id value=%s", raw)
			http.Error(w, "Invalid x-user-id header", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), requestUserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestUserID retrieves the authenticated user's ID from the request context.
func GetRequestUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(requestUserIDKey).(uuid.UUID)
	return userID, ok
}

// WebhookSignatureMiddleware verifies the HMAC signature the payment processor
// attaches to webhook deliveries. The signature header may carry either a hex or
// a base64 encoding of the SHA-256 MAC, so both are checked before rejecting.
// The request body is re-buffered so downstream handlers can read it again.
func WebhookSignatureMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				log.Printf("level=error component=api middleware=webhook_signature outcome=reject reason=secret_unconfigured path=%s", r.URL.Path)
				http.Error(w, "Webhook verification not configured", http.StatusServiceUnavailable)
				return
			}

			provided := strings.TrimSpace(r.Header.Get("x-settlement-signature"))
			if provided == "" {
				http.Error(w, "Missing signature header", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyWebhookSignature(secret, body, provided) {
				log.Printf("level=warn component=api middleware=webhook_signature outcome=reject reason=signature_mismatch path=%s body_len=%d", r.URL.Path, len(body))
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifyWebhookSignature computes the expected HMAC-SHA256 over the raw body and
// compares it against the provided value in both encodings the processor has
// been seen to use.
func verifyWebhookSignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)

	expectedHex := hex.EncodeToString(sum)
	expectedB64 := base64.StdEncoding.EncodeToString(sum)

	if hmac.Equal([]byte(provided), []byte(expectedHex)) {
		return true
	}
	return hmac.Equal([]byte(provided), []byte(expectedB64))
}

// WebhookRateLimitMiddleware throttles webhook deliveries per source address
// using the shared Redis fixed-window counter. A nil limiter disables the
// check so local runs without Redis still work.
func WebhookRateLimitMiddleware(limiter *app.RedisRateLimiter, limit int) func(http.Handler) http.Handler {
	window := time.Minute
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			subject := r.RemoteAddr
			if host := strings.LastIndex(subject, ":"); host > 0 {
				subject = subject[:host]
			}
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), "webhook", subject, limit, window)
			if err != nil {
				log.Printf("level=warn component=api middleware=webhook_rate_limit outcome=allow reason=limiter_unavailable err=%v", err)
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				log.Printf("level=warn component=api middleware=webhook_rate_limit outcome=reject subject=%s count=%d limit=%d", subject, count, limit)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
