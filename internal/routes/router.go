package routes

import (
	"net/http"

	"github.com/terabiome/stagehand/internal/handler"
)

// Router wraps http.ServeMux and provides route setup
type Router struct {
	*http.ServeMux
}

// V1Handler returns a handler for v1 API routes
func (router *Router) V1Handler(provisionHandler *handler.Provision, uploadsHandler *handler.Uploads, systemHandler *handler.System) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /provision", provisionHandler.Provision)
	mux.HandleFunc("POST /uploads", uploadsHandler.Upload)
	mux.HandleFunc("GET /backends", systemHandler.Backends)

	return mux
}

// SetupMux creates and configures the main router
func SetupMux(provisionHandler *handler.Provision, uploadsHandler *handler.Uploads, systemHandler *handler.System) *Router {
	router := Router{http.NewServeMux()}

	router.ServeMux.Handle("/api/v1/", http.StripPrefix("/api/v1", router.V1Handler(provisionHandler, uploadsHandler, systemHandler)))

	router.ServeMux.HandleFunc("/heartbeat", func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		writer.Write([]byte("still standing"))
	})

	return &router
}
