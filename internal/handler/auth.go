package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"parley/internal/auth"
	"parley/internal/store"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Avatar   string `json:"avatar"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Register handles POST /api/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, token, err := h.Auth.Register(r.Context(), req.Email, req.Password, req.Avatar)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrUserExists):
			respondError(w, http.StatusBadRequest, "email already registered")
		default:
			log.Printf("[POST /api/register] ❌ Registration error: %v", err)
			respondError(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	log.Printf("[POST /api/register] ✅ Registered %s", user.Email)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
		"token":   token,
	})
}

// Login handles POST /api/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, token, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			respondError(w, http.StatusBadRequest, "invalid credentials")
			return
		}
		log.Printf("[POST /api/login] ❌ Login error: %v", err)
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
		"token":   token,
	})
}
