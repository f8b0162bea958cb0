package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/terabiome/stagehand/internal/api"
	"github.com/terabiome/stagehand/internal/uploads"
)

// maxUploadMemory is the multipart size kept in memory before spilling to
// temporary files.
const maxUploadMemory = 32 << 20

// FileStore stages uploaded files under a generated key.
type FileStore interface {
	Put(name string, src io.Reader) (string, error)
}

// Uploads handles file staging requests
type Uploads struct {
	store  FileStore
	logger *slog.Logger
}

// NewUploads creates a new Uploads handler
func NewUploads(store FileStore, logger *slog.Logger) *Uploads {
	return &Uploads{
		store:  store,
		logger: logger.With(slog.String("handler", "uploads")),
	}
}

// Upload handles POST /uploads with a multipart "file" field.
func (h *Uploads) Upload(writer http.ResponseWriter, request *http.Request) {
	if err := request.ParseMultipartForm(maxUploadMemory); err != nil {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Message: "invalid multipart form",
			Error:   err.Error(),
		})
		return
	}

	file, header, err := request.FormFile("file")
	if err != nil {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Message: "missing file field",
			Error:   err.Error(),
		})
		return
	}
	defer file.Close()

	key, err := h.store.Put(header.Filename, file)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, uploads.ErrInvalidName) {
			status = http.StatusBadRequest
		}
		h.logger.Error("failed to store upload", slog.String("name", header.Filename), slog.String("error", err.Error()))
		writeResult(writer, status, GenericResponse{
			Message: "failed to store upload",
			Error:   err.Error(),
		})
		return
	}

	writeResult(writer, http.StatusCreated, GenericResponse{
		Body:    api.UploadResponse{Key: key},
		Message: "stored upload successfully",
	})
}
