package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/httputil"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/middleware"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	accounts   *service.AccountService
	rotator    *service.RefreshRotator
	terminator *service.SessionTerminator
	cookies    *httputil.Cookies
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

func NewAuthHandlers(
	accounts *service.AccountService,
	rotator *service.RefreshRotator,
	terminator *service.SessionTerminator,
	cookies *httputil.Cookies,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		accounts:   accounts,
		rotator:    rotator,
		terminator: terminator,
		cookies:    cookies,
		metrics:    m,
		logger:     logger,
	}
}

type RegisterRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User         *models.Identity `json:"user"`
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type UpdateAccountRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

var errInvalidBody = apperror.Validation("invalid request body")

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, errInvalidBody)
		return
	}

	identity, err := h.accounts.Register(r.Context(), service.RegisterInput{
		FullName: req.FullName,
		Email:    req.Email,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithData(w, http.StatusCreated, identity, "User registered successfully")
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, errInvalidBody)
		return
	}

	identifier := req.Username
	if identifier == "" {
		identifier = req.Email
	}

	identity, pair, err := h.accounts.Login(r.Context(), identifier, req.Password)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.metrics.TokensIssued.Inc()

	h.cookies.SetTokens(w, pair)
	h.respondWithData(w, http.StatusOK, LoginResponse{
		User:         identity,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "User logged in successfully")
}

// RefreshToken reads the refresh token from its cookie, falling back to the
// JSON body. An empty body is allowed when the cookie is present.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	incoming := httputil.TokenFromCookie(r, httputil.RefreshTokenCookie)
	if incoming == "" {
		var req RefreshTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondWithError(w, errInvalidBody)
			return
		}
		incoming = req.RefreshToken
	}

	pair, err := h.rotator.Rotate(r.Context(), incoming)
	h.metrics.RefreshRotations.
		WithLabelValues(metrics.Result(err, !apperror.IsKind(err, apperror.KindInternal))).
		Inc()
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.cookies.SetTokens(w, pair)
	h.respondWithData(w, http.StatusOK, RefreshTokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "Access token refreshed successfully")
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondWithError(w, apperror.Unauthorized("unauthorized request"))
		return
	}

	if err := h.terminator.Terminate(r.Context(), identity.ID); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.metrics.Logouts.Inc()

	h.cookies.ClearTokens(w)
	h.respondWithData(w, http.StatusOK, nil, "User logged out successfully")
}

func (h *AuthHandlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondWithError(w, apperror.Unauthorized("unauthorized request"))
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, errInvalidBody)
		return
	}

	if err := h.accounts.ChangePassword(r.Context(), identity.ID, req.OldPassword, req.NewPassword); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithData(w, http.StatusOK, nil, "Password changed successfully")
}

func (h *AuthHandlers) CurrentUser(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondWithError(w, apperror.Unauthorized("unauthorized request"))
		return
	}

	h.respondWithData(w, http.StatusOK, identity, "Current user fetched successfully")
}

func (h *AuthHandlers) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		h.respondWithError(w, apperror.Unauthorized("unauthorized request"))
		return
	}

	var req UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, errInvalidBody)
		return
	}

	updated, err := h.accounts.UpdateDetails(r.Context(), identity.ID, req.FullName, req.Email)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithData(w, http.StatusOK, updated, "Account details updated successfully")
}

func (h *AuthHandlers) respondWithData(w http.ResponseWriter, status int, data interface{}, message string) {
	httputil.RespondWithData(w, status, data, message)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, err error) {
	httputil.RespondWithError(w, h.logger, err)
}
