package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrSessionNotFound = errors.New("session not found")

const cacheTTL = 5 * time.Minute

// Session is issued by the identity provider; this service only reads it.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Session) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Session) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

type Store interface {
	GetByToken(ctx context.Context, token string) (*Session, error)
	Create(ctx context.Context, s *Session) error
	Revoke(ctx context.Context, sessionID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	sessionIDKey contextKey = "session_id"
	requestIDKey contextKey = "request_id"
)

// HashToken is how session tokens are stored and cached.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := chimiddleware.GetReqID(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := fmt.Sprintf("session:%s", HashToken(token))

			var cached Session
			err := cache.Get(ctx, redisKey).Scan(&cached)
			if err == nil && time.Now().Before(cached.ExpiresAt) {
				ctx = WithUserID(ctx, cached.UserID)
				ctx = WithSessionID(ctx, cached.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			} else if err != nil && err != redis.Nil {
				log.Warn().Err(err).Msg("auth: redis error")
			}

			sess, err := store.GetByToken(ctx, token)
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					unauthorized(w)
					return
				}
				log.Error().Err(err).Str("request_id", requestID).Msg("auth: session lookup failed")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				return
			}

			ttl := cacheTTL
			if left := time.Until(sess.ExpiresAt); left < ttl {
				ttl = left
			}
			if ttl > 0 {
				_ = cache.Set(ctx, redisKey, sess, ttl).Err()
			}

			ctx = WithUserID(ctx, sess.UserID)
			ctx = WithSessionID(ctx, sess.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}
