package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/token-ledger/internal/logger"
)

var ErrNoIdentity = errors.New("missing user identity")

const (
	// HeaderUserID carries the user id verified by the upstream identity provider.
	HeaderUserID = "X-User-ID"
	// HeaderUserRoles is a comma-separated list of provider roles.
	HeaderUserRoles = "X-User-Roles"
	HeaderRequestID = "X-Request-ID"
)

// Identity is the caller as asserted by the identity collaborator.
type Identity struct {
	UserID string
	Roles  []string
}

func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

// NewIdentityMiddleware tags every request with a request id and rejects
// requests without a user id. It performs no authentication of its own.
func NewIdentityMiddleware(base *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set(HeaderRequestID, requestID)

			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				http.Error(w, "Unauthorized: missing "+HeaderUserID+" header", http.StatusUnauthorized)
				return
			}
			id := Identity{UserID: userID, Roles: splitRoles(r.Header.Get(HeaderUserRoles))}
			ctx = context.WithValue(ctx, identityKey, id)

			if base != nil {
				ctx = logger.WithContext(ctx, base.With(
					zap.String("request_id", requestID),
					zap.String("user_id", userID),
				))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func splitRoles(raw string) []string {
	var roles []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// Assertion is one strategy for deciding whether a caller is an admin.
type Assertion interface {
	Name() string
	IsAdmin(ctx context.Context, id Identity) (bool, error)
}

// Chain evaluates assertions in order and stops at the first that says yes.
// Decisions are cached in Redis for five minutes when a client is given.
type Chain struct {
	assertions []Assertion
	cache      *redis.Client
	ttl        time.Duration
	logger     *zap.Logger
}

func NewChain(cache *redis.Client, logger *zap.Logger, assertions ...Assertion) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{assertions: assertions, cache: cache, ttl: 5 * time.Minute, logger: logger}
}

func (c *Chain) IsAdmin(ctx context.Context, id Identity) (bool, error) {
	redisKey := fmt.Sprintf("admin:%s", id.UserID)
	if c.cache != nil {
		cached, err := c.cache.Get(ctx, redisKey).Result()
		if err == nil {
			return cached == "1", nil
		} else if err != redis.Nil {
			c.logger.Warn("admin cache read failed", zap.Error(err))
		}
	}

	var failures []error
	decided := false
	for _, a := range c.assertions {
		ok, err := a.IsAdmin(ctx, id)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		if ok {
			decided = true
			break
		}
	}
	// Without a positive match, a failed strategy leaves the answer unknown.
	if !decided && len(failures) > 0 {
		return false, fmt.Errorf("admin check incomplete: %w", errors.Join(failures...))
	}

	if c.cache != nil {
		v := "0"
		if decided {
			v = "1"
		}
		_ = c.cache.Set(ctx, redisKey, v, c.ttl).Err()
	}
	return decided, nil
}

// RequireAdmin lets the request through only if chain confirms the caller.
func RequireAdmin(chain *Chain) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			isAdmin, err := chain.IsAdmin(r.Context(), id)
			if err != nil {
				logger.FromContext(r.Context(), chain.logger).Error("admin check failed", zap.Error(err))
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			if !isAdmin {
				http.Error(w, "Forbidden: admin privileges required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityClaims trusts the identity provider's role metadata.
type IdentityClaims struct {
	Role string
}

func (IdentityClaims) Name() string { return "identity_claims" }

func (a IdentityClaims) IsAdmin(_ context.Context, id Identity) (bool, error) {
	role := a.Role
	if role == "" {
		role = "admin"
	}
	return id.HasRole(role), nil
}

// StaticList grants admin to a fixed set of user ids from configuration.
type StaticList map[string]struct{}

func NewStaticList(userIDs ...string) StaticList {
	l := make(StaticList, len(userIDs))
	for _, u := range userIDs {
		l[u] = struct{}{}
	}
	return l
}

func (StaticList) Name() string { return "static_list" }

func (l StaticList) IsAdmin(_ context.Context, id Identity) (bool, error) {
	_, ok := l[id.UserID]
	return ok, nil
}

// Helpers to extract from context
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
