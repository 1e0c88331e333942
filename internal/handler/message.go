package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"parley/internal/model"
	"parley/internal/pipeline"
	"parley/internal/store"
)

// defaultPageSize は1回のGETで返す最大レコード数
const defaultPageSize = 20

// GetMessages handles GET /api/messages?room=&before=&limit=
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		respondError(w, http.StatusBadRequest, "room is required")
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
		before = parsed
	}

	messages, err := h.Store.ListByRoom(r.Context(), room, before, limit)
	if err != nil {
		log.Printf("[GET /api/messages] ❌ Store error: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}

	log.Printf("[GET /api/messages] ✅ Returned %d messages for room %q", len(messages), room)
	respondJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

// SearchMessages handles GET /api/search?room=&q=&limit=
func (h *Handler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	query := r.URL.Query().Get("q")
	if room == "" || query == "" {
		respondError(w, http.StatusBadRequest, "room and query are required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	results, err := h.Store.Search(r.Context(), room, query, limit)
	if err != nil {
		log.Printf("[GET /api/search] ❌ Store error: %v", err)
		respondError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if results == nil {
		results = []model.Message{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// MarkRead handles POST /api/messages/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Room string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		respondError(w, http.StatusBadRequest, "room is required")
		return
	}

	reader := identity(r)
	updated, err := h.Pipeline.MarkRead(r.Context(), req.Room, reader)
	if err != nil {
		log.Printf("[POST /api/messages/read] ❌ Store error: %v", err)
		respondError(w, http.StatusInternalServerError, "read update failed")
		return
	}

	log.Printf("[POST /api/messages/read] ✅ %s marked %d messages read in %q", reader, updated, req.Room)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "updated": updated})
}

// EditMessage handles PUT /api/messages/{id}
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Body string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.Pipeline.EditMessage(r.Context(), id, req.Body, identity(r))
	if err != nil {
		writeActionError(w, "PUT /api/messages", id, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// DeleteMessage handles DELETE /api/messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.Pipeline.DeleteMessage(r.Context(), id, identity(r)); err != nil {
		writeActionError(w, "DELETE /api/messages", id, err)
		return
	}

	log.Printf("[DELETE /api/messages/%s] ✅ Deleted successfully", id)
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeActionError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Printf("[%s/%s] ❌ Not Found", op, id)
		respondError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, pipeline.ErrNotAuthor):
		log.Printf("[%s/%s] ❌ Forbidden: not the author", op, id)
		respondError(w, http.StatusForbidden, "only the author may modify this message")
	case errors.Is(err, pipeline.ErrEmptyMessage), errors.Is(err, pipeline.ErrBodyTooLong):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[%s/%s] ❌ Store error: %v", op, id, err)
		respondError(w, http.StatusInternalServerError, "operation failed")
	}
}
