package handler

import (
	"log/slog"
	"net/http"

	"github.com/terabiome/stagehand/internal/api"
)

// System handles system-related HTTP requests
type System struct {
	backends func() []string
	logger   *slog.Logger
}

// NewSystem creates a new System handler. backends lists the registered
// provisioning backends.
func NewSystem(backends func() []string, logger *slog.Logger) *System {
	return &System{
		backends: backends,
		logger:   logger,
	}
}

// Backends handles GET /backends
func (h *System) Backends(writer http.ResponseWriter, request *http.Request) {
	names := h.backends()
	h.logger.Debug("listing backends", slog.Int("count", len(names)))

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    api.BackendsResponse{Backends: names},
		Message: "retrieved backends successfully",
	})
}
