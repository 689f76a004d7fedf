// Package ratelimit throttles the credential endpoints. Counters live
// in Redis so every API replica shares one window per caller.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry bumps the window counter and stamps the TTL on the
// first hit, in one round trip.
var incrWithExpiry = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const keyPrefix = "aligniq:ratelimit"

// AuthLimiter caps attempts per action and client IP in a fixed time
// window. Redis errors fail closed.
type AuthLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewAuthLimiter wraps an existing Redis client. The caller keeps
// ownership of the client's lifecycle.
func NewAuthLimiter(client *redis.Client, limit int, window time.Duration) (*AuthLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	return &AuthLimiter{client: client, limit: limit, window: window}, nil
}

// Window returns the configured window, for Retry-After headers.
func (l *AuthLimiter) Window() time.Duration { return l.window }

// AllowAction reports whether another attempt at action ("login",
// "registration") from clientIP fits in the current window.
func (l *AuthLimiter) AllowAction(action, clientIP string) bool {
	clientIP = strings.TrimSpace(clientIP)
	if clientIP == "" {
		clientIP = "unknown"
	}
	slot := time.Now().UTC().Truncate(l.window).UnixMilli()
	key := fmt.Sprintf("%s:%s:%s:%d", keyPrefix, action, clientIP, slot)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	count, err := incrWithExpiry.Run(ctx, l.client, []string{key}, l.window.Milliseconds()).Int64()
	if err != nil {
		slog.Warn("rate limit check failed, denying attempt", "action", action, "err", err)
		return false
	}
	return count <= int64(l.limit)
}
