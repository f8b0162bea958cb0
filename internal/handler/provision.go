package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/terabiome/stagehand/internal/adapter"
	"github.com/terabiome/stagehand/internal/api"
	"github.com/terabiome/stagehand/internal/service"
	"github.com/terabiome/stagehand/internal/uploads"
)

// Provisioner runs one provision-and-install operation.
type Provisioner interface {
	Provision(ctx context.Context, params service.ProvisionParams) (*service.RunResult, error)
}

// FileLookup resolves an upload key to a file on disk.
type FileLookup interface {
	Get(key string) (string, error)
}

// Provision handles provisioning requests
type Provision struct {
	provisioner    Provisioner
	files          FileLookup
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewProvision creates a new Provision handler
func NewProvision(provisioner Provisioner, files FileLookup, defaultTimeout time.Duration, logger *slog.Logger) *Provision {
	return &Provision{
		provisioner:    provisioner,
		files:          files,
		defaultTimeout: defaultTimeout,
		logger:         logger.With(slog.String("handler", "provision")),
	}
}

// Provision handles POST /provision. The request blocks until the run ends.
func (h *Provision) Provision(writer http.ResponseWriter, request *http.Request) {
	var provisionRequest api.ProvisionRequest
	if err := parseBody(writer, request, &provisionRequest); err != nil {
		return
	}

	if provisionRequest.Backend == "" {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Message: "no backend specified in request",
		})
		return
	}

	var keyFile string
	if key := provisionRequest.Request.KeyFileUpload; key != "" {
		path, err := h.files.Get(key)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, uploads.ErrNotFound) || errors.Is(err, uploads.ErrInvalidName) {
				status = http.StatusBadRequest
			}
			writeResult(writer, status, GenericResponse{
				Message: "failed to resolve key file upload",
				Error:   err.Error(),
			})
			return
		}
		keyFile = path
	}

	params, err := adapter.AdaptProvisionRequest(provisionRequest, keyFile, h.defaultTimeout)
	if err != nil {
		writeResult(writer, statusFor(err), GenericResponse{
			Message: "invalid provision request",
			Error:   err.Error(),
		})
		return
	}

	result, err := h.provisioner.Provision(request.Context(), params)
	response := adapter.AdaptRunResult(result)
	if err != nil {
		h.logger.Error("provision failed",
			slog.String("backend", params.Backend),
			slog.String("state", response.State),
			slog.String("error", err.Error()),
		)
		writeResult(writer, statusFor(err), GenericResponse{
			Body:    response,
			Message: "provisioning failed",
			Error:   err.Error(),
		})
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    response,
		Message: "provisioned and installed machine successfully",
	})
}
