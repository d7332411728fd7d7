package api

import (
	"net/http"

	"docsync/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(h *Handler, verifier middleware.CredentialVerifier, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	// tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	requireAuth := middleware.AuthMiddleware(verifier)

	// Sync endpoint
	r.Handle("/sync", requireAuth(http.HandlerFunc(h.Sync))).Methods("GET")

	// Mutation API
	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/collections/{collection}/documents", requireAuth(http.HandlerFunc(h.CreateDocument))).Methods("POST")
	api.Handle("/collections/{collection}/documents/{id}", requireAuth(http.HandlerFunc(h.PutDocument))).Methods("PUT")
	api.Handle("/collections/{collection}/documents/{id}", requireAuth(http.HandlerFunc(h.DeleteDocument))).Methods("DELETE")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Realtime channel; authenticates itself before upgrading
	r.HandleFunc("/ws", h.HandleWebSocket)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return r
}
