package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/mirqtio/quotaguard/internal/events"
	"github.com/mirqtio/quotaguard/internal/ratelimit"
)

// MetadataKey is the key used to store rate limit config in operation metadata.
const MetadataKey = "rateLimit"

// EndpointConfig defines per-endpoint rate limit configuration. Attach it
// to huma operations via the Metadata field to opt an endpoint out of
// limiting or to override the quota it is checked against.
type EndpointConfig struct {
	// Disabled skips rate limiting entirely for this endpoint.
	Disabled bool

	// Options overrides the middleware's default quota for this endpoint.
	Options *ratelimit.Options
}

// RateLimit returns a huma middleware enforcing the limiter's quota per
// caller. Callers are identified by a hash of client IP and User-Agent.
//
// Denials answer 429 with Retry-After. Degraded allowances (store down,
// limiter failing open) pass through like normal traffic but are logged
// and, when a publisher is configured, emitted on the degraded topic so
// operators can alert on them. The publisher may be nil.
func RateLimit(
	api huma.API,
	limiter *ratelimit.Limiter,
	defaults ratelimit.Options,
	publisher *events.Publisher,
	logger *zap.Logger,
) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		opts := defaults

		if cfg := endpointConfig(ctx); cfg != nil {
			if cfg.Disabled {
				next(ctx)

				return
			}

			if cfg.Options != nil {
				opts = *cfg.Options
			}
		}

		key := clientKey(ctx)

		result, err := limiter.Check(ctx.Context(), key, opts)
		if err != nil {
			// Only configuration errors reach here; store failures take
			// the limiter's fail-open path instead.
			logger.Error("rate limit check failed",
				zap.String("path", operationPath(ctx)),
				zap.Error(err),
			)
			_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal server error", err)

			return
		}

		setLimitHeaders(ctx, result)

		if result.Degraded {
			logger.Warn("rate limiter degraded, allowing request",
				zap.String("path", operationPath(ctx)),
				zap.String("client_ip", clientIP(ctx)),
			)
			publish(publisher, key, opts, result, ctx, logger)
		}

		if !result.Allowed {
			logger.Warn("rate limit exceeded",
				zap.String("path", operationPath(ctx)),
				zap.String("method", ctx.Method()),
				zap.Int64("limit", result.Limit),
				zap.String("client_ip", clientIP(ctx)),
			)
			publish(publisher, key, opts, result, ctx, logger)

			retryAfter := int64(time.Until(result.Reset).Seconds()) + 1
			ctx.SetHeader("Retry-After", strconv.FormatInt(retryAfter, 10))

			msg := fmt.Sprintf("rate limit exceeded: %d requests in %s", result.Limit, opts.Window)
			_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests, msg)

			return
		}

		next(ctx)
	}
}

func setLimitHeaders(ctx huma.Context, result ratelimit.Result) {
	ctx.SetHeader("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	ctx.SetHeader("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	ctx.SetHeader("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))

	if result.Burst != nil {
		ctx.SetHeader("X-RateLimit-Burst", strconv.FormatInt(*result.Burst, 10))
	}
}

func publish(
	publisher *events.Publisher,
	key string,
	opts ratelimit.Options,
	result ratelimit.Result,
	ctx huma.Context,
	logger *zap.Logger,
) {
	if publisher == nil {
		return
	}

	cost := opts.Cost
	if cost == 0 {
		cost = 1
	}

	event := &events.DecisionEvent{
		Key:        key,
		Allowed:    result.Allowed,
		Degraded:   result.Degraded,
		Limit:      result.Limit,
		Remaining:  result.Remaining,
		Cost:       cost,
		Path:       operationPath(ctx),
		OccurredAt: time.Now(),
	}

	fn := publisher.PublishLimitExceeded
	if result.Degraded {
		fn = publisher.PublishDegradedAllow
	}

	if err := fn(event); err != nil {
		logger.Error("failed to publish decision event",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func endpointConfig(ctx huma.Context) *EndpointConfig {
	op := ctx.Operation()
	if op == nil || op.Metadata == nil {
		return nil
	}

	cfg, ok := op.Metadata[MetadataKey].(EndpointConfig)
	if !ok {
		return nil
	}

	return &cfg
}

func operationPath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil {
		return op.Path
	}

	return ""
}

// clientKey generates a unique key for rate limiting based on IP and User-Agent.
func clientKey(ctx huma.Context) string {
	ip := clientIP(ctx)
	ua := ctx.Header("User-Agent")

	hash := sha256.Sum256([]byte(ip + "|" + ua))

	return hex.EncodeToString(hash[:])
}

// clientIP extracts the client IP from the request, considering proxies.
func clientIP(ctx huma.Context) string {
	// Check X-Forwarded-For header (may contain multiple IPs)
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := ctx.Header("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to Host (which contains remote addr in huma context)
	host := ctx.Host()

	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}

	return ip
}
