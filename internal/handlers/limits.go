package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/mirqtio/quotaguard/internal/ratelimit"
)

// LimitsHandler exposes the limiter's cross-strategy operations over HTTP:
// explicit admission checks, usage projections, and resets.
type LimitsHandler struct {
	limiter  *ratelimit.Limiter
	defaults ratelimit.Options
	logger   *zap.Logger
}

// NewLimitsHandler creates a new limits handler. The default options are
// applied to every check and usage call; only the cost is caller-supplied.
func NewLimitsHandler(limiter *ratelimit.Limiter, defaults ratelimit.Options, logger *zap.Logger) *LimitsHandler {
	return &LimitsHandler{
		limiter:  limiter,
		defaults: defaults,
		logger:   logger,
	}
}

// Check runs an admission decision for the given key.
func (h *LimitsHandler) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	opts := h.defaults
	opts.Cost = req.Body.Cost

	result, err := h.limiter.Check(ctx, req.Body.Key, opts)
	if err != nil {
		if isBadInput(err) {
			return nil, huma.Error422UnprocessableEntity("invalid rate limit request", err)
		}

		h.logger.Error("admission check failed", zap.Error(err))

		return nil, huma.Error500InternalServerError("internal server error")
	}

	resp := &CheckResponse{}
	resp.Body.Allowed = result.Allowed
	resp.Body.Remaining = result.Remaining
	resp.Body.Limit = result.Limit
	resp.Body.Reset = result.Reset
	resp.Body.Burst = result.Burst
	resp.Body.Degraded = result.Degraded

	return resp, nil
}

// Usage reports a key's consumption without mutating its state.
func (h *LimitsHandler) Usage(ctx context.Context, req *UsageRequest) (*UsageResponse, error) {
	usage, err := h.limiter.Usage(ctx, req.Key, h.defaults)
	if err != nil {
		if isBadInput(err) {
			return nil, huma.Error422UnprocessableEntity("invalid rate limit request", err)
		}

		h.logger.Error("usage projection failed", zap.String("key", req.Key), zap.Error(err))

		return nil, huma.Error500InternalServerError("internal server error")
	}

	resp := &UsageResponse{}
	resp.Body.Used = usage.Used
	resp.Body.Limit = usage.Limit
	resp.Body.Remaining = usage.Remaining
	resp.Body.Reset = usage.Reset

	return resp, nil
}

// Reset deletes all strategy state for a key.
func (h *LimitsHandler) Reset(ctx context.Context, req *ResetRequest) (*struct{}, error) {
	if err := h.limiter.Reset(ctx, req.Key); err != nil {
		if isBadInput(err) {
			return nil, huma.Error422UnprocessableEntity("invalid rate limit request", err)
		}

		h.logger.Error("reset failed", zap.String("key", req.Key), zap.Error(err))

		return nil, huma.Error500InternalServerError("internal server error")
	}

	return nil, nil
}

func isBadInput(err error) bool {
	return errors.Is(err, ratelimit.ErrEmptyKey) || errors.Is(err, ratelimit.ErrInvalidOptions)
}
