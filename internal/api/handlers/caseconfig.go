package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/caseconfig"
)

// ConfigHandler serves per-organization intake configuration. Unknown
// organizations get the default configuration rather than a 404;
// intake never fails for lack of a config.
type ConfigHandler struct {
	registry *caseconfig.Registry
	logger   *zap.Logger
}

// NewConfigHandler creates a new handler
func NewConfigHandler(registry *caseconfig.Registry, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{registry: registry, logger: logger}
}

// Routes returns the handler routes
func (h *ConfigHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{orgID}", h.Get)
	return r
}

// List handles GET /configs
func (h *ConfigHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"org_ids": h.registry.OrgIDs(),
	})
}

// Get handles GET /configs/{orgID}
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	cfg := h.registry.Get(orgID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"config":  cfg,
		"default": !h.registry.Known(orgID),
	})
}
