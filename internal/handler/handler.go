package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"parley/internal/auth"
	"parley/internal/blob"
	"parley/internal/pipeline"
	"parley/internal/store"
)

// Handler holds application dependencies
type Handler struct {
	Store    store.Store
	Auth     *auth.Service
	Blob     *blob.Disk
	Pipeline *pipeline.Pipeline
	Validate *validator.Validate

	// ChatSocket serves the WebSocket upgrade; injected so handler tests
	// can run without a live transport.
	ChatSocket http.HandlerFunc
}

// New creates a new Handler with the given dependencies
func New(st store.Store, authSvc *auth.Service, blobStore *blob.Disk, pl *pipeline.Pipeline, chatSocket http.HandlerFunc) *Handler {
	return &Handler{
		Store:      st,
		Auth:       authSvc,
		Blob:       blobStore,
		Pipeline:   pl,
		Validate:   validator.New(),
		ChatSocket: chatSocket,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// 認証
	r.HandleFunc("/api/register", h.Register).Methods("POST")
	r.HandleFunc("/api/login", h.Login).Methods("POST")

	// REST API（要トークン）
	r.Handle("/api/messages", h.requireAuth(h.GetMessages)).Methods("GET")
	r.Handle("/api/search", h.requireAuth(h.SearchMessages)).Methods("GET")
	r.Handle("/api/messages/read", h.requireAuth(h.MarkRead)).Methods("POST")
	r.Handle("/api/messages/{id}", h.requireAuth(h.EditMessage)).Methods("PUT")
	r.Handle("/api/messages/{id}", h.requireAuth(h.DeleteMessage)).Methods("DELETE")

	// WebSocket
	if h.ChatSocket != nil {
		r.HandleFunc("/ws/chat", h.ChatSocket).Methods("GET")
	}

	// アップロード（ストレージ設定時のみ）
	if h.Blob != nil {
		r.Handle("/api/upload", h.requireAuth(h.Upload)).Methods("POST")
		r.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.Blob.Dir()))))
	}

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey struct{}

// requireAuth validates the bearer token and stashes the identity claims in
// the request context. Invalid or missing credentials are rejected with no
// side effect.
func (h *Handler) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		claims, err := h.Auth.Verify(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

// identity returns the authenticated email for the request, or "".
func identity(r *http.Request) string {
	claims, _ := r.Context().Value(ctxKey{}).(*auth.Claims)
	if claims == nil {
		return ""
	}
	return claims.Email
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[handler] ❌ Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
