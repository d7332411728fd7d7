package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
type Handler struct {
	syncService SyncService
	docService  DocumentService
	wsHandler   http.Handler
}

func NewHandler(syncService SyncService, docService DocumentService, wsHandler http.Handler) *Handler {
	return &Handler{
		syncService: syncService,
		docService:  docService,
		wsHandler:   wsHandler,
	}
}

// Sync handles GET /sync?collection=&since=&limit=&offset=
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := middleware.SubjectFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	req, err := parseSyncRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.syncService.GetSyncResponse(r.Context(), subjectID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func parseSyncRequest(r *http.Request) (models.SyncRequest, error) {
	q := r.URL.Query()
	req := models.SyncRequest{Collection: q.Get("collection")}

	if req.Collection == "" {
		return req, fmt.Errorf("collection is required")
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return req, fmt.Errorf("since must be an ISO 8601 timestamp")
		}
		since = since.UTC()
		req.Since = &since
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return req, fmt.Errorf("limit must be a non-negative integer")
		}
		req.Limit = limit
	}
	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			return req, fmt.Errorf("offset must be a non-negative integer")
		}
		req.Offset = offset
	}
	return req, nil
}

// CreateDocument handles POST /api/collections/{collection}/documents
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := middleware.SubjectFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var write models.DocumentWrite
	if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.docService.Create(r.Context(), subjectID, mux.Vars(r)["collection"], &write)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, created)
}

// PutDocument handles PUT /api/collections/{collection}/documents/{id}
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := middleware.SubjectFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var write models.DocumentWrite
	if err := json.NewDecoder(r.Body).Decode(&write); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	doc, err := h.docService.Put(r.Context(), subjectID, vars["collection"], vars["id"], &write)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, doc)
}

// DeleteDocument handles DELETE /api/collections/{collection}/documents/{id}
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := middleware.SubjectFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	rec, err := h.docService.Delete(r.Context(), subjectID, vars["collection"], vars["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// HandleWebSocket upgrades to the realtime channel
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.ServeHTTP(w, r)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Permission failures
// never say whether the resource exists.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidCredential):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, models.ErrPermissionDenied):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, models.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		middleware.AddSpanError(r.Context(), err)
		log.Printf("[%s] ❌ %s %s: %v", middleware.GetRequestID(r.Context()), r.Method, r.URL.Path, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
