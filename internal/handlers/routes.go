package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the account endpoints under /users on api.
func (h *AuthHandlers) RegisterRoutes(api *mux.Router, requireAuth mux.MiddlewareFunc) {
	users := api.PathPrefix("/users").Subrouter()
	users.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	users.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	users.HandleFunc("/refresh-token", h.RefreshToken).Methods(http.MethodPost)

	protected := users.PathPrefix("").Subrouter()
	protected.Use(requireAuth)
	protected.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
	protected.HandleFunc("/change-password", h.ChangePassword).Methods(http.MethodPost)
	protected.HandleFunc("/current-user", h.CurrentUser).Methods(http.MethodGet)
	protected.HandleFunc("/update-account", h.UpdateAccount).Methods(http.MethodPatch)
}

func Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
