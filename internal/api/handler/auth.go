package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gigmarket/ordersync/internal/api"
	"github.com/gigmarket/ordersync/internal/models"
	"github.com/gigmarket/ordersync/internal/service"
)

// AuthHandler handles operator login
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.BadRequest(w, "invalid request body")
		return
	}

	token, user, err := h.authService.Login(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrInactiveUser):
		api.Error(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		api.FromError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, models.LoginResponse{Token: token, User: *user})
}
