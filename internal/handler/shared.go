package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/terabiome/stagehand/internal/contracts"
)

// GenericResponse is a standard API response structure
type GenericResponse struct {
	Body    any    `json:"body,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// parseBody decodes the JSON request body into target and writes a 400 when
// it cannot.
func parseBody(writer http.ResponseWriter, request *http.Request, target any) error {
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Message: "invalid request body",
			Error:   err.Error(),
		})
		return err
	}
	return nil
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, contracts.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, contracts.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, contracts.ErrProvisioning), errors.Is(err, contracts.ErrInstall):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeResult writes a JSON response with the given status code
func writeResult(writer http.ResponseWriter, statusCode int, response GenericResponse) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	json.NewEncoder(writer).Encode(response)
}
