package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/mirqtio/quotaguard/internal/middleware"
)

// RegisterRoutes registers the admin API. The admin endpoints themselves
// are exempt from enforcement: operators must be able to inspect and reset
// quotas while callers are being limited.
func RegisterRoutes(api huma.API, h *LimitsHandler) {
	huma.Register(api, huma.Operation{
		Method:      http.MethodPost,
		Path:        "/check",
		Summary:     "Check a rate limit",
		Description: "Runs an admission decision for the given key under the configured strategy and quota.",
		Tags:        []string{"Limits"},
		Metadata: map[string]any{
			middleware.MetadataKey: middleware.EndpointConfig{Disabled: true},
		},
	}, h.Check)

	huma.Register(api, huma.Operation{
		Method:      http.MethodGet,
		Path:        "/limits/{key}",
		Summary:     "Get current usage",
		Description: "Returns the key's consumption under the configured strategy without mutating it.",
		Tags:        []string{"Limits"},
		Metadata: map[string]any{
			middleware.MetadataKey: middleware.EndpointConfig{Disabled: true},
		},
	}, h.Usage)

	huma.Register(api, huma.Operation{
		Method:        http.MethodDelete,
		Path:          "/limits/{key}",
		Summary:       "Reset a key",
		Description:   "Deletes all strategy state for the key. The next check behaves as if the key had never been seen.",
		Tags:          []string{"Limits"},
		DefaultStatus: http.StatusNoContent,
		Metadata: map[string]any{
			middleware.MetadataKey: middleware.EndpointConfig{Disabled: true},
		},
	}, h.Reset)
}
