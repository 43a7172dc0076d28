package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/sirupsen/logrus"
)

type ApiResponse struct {
	StatusCode int         `json:"statusCode"`
	Data       interface{} `json:"data"`
	Message    string      `json:"message"`
	Success    bool        `json:"success"`
}

type ApiError struct {
	StatusCode int      `json:"statusCode"`
	Message    string   `json:"message"`
	Success    bool     `json:"success"`
	Errors     []string `json:"errors"`
}

func RespondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func RespondWithData(w http.ResponseWriter, status int, data interface{}, message string) {
	if data == nil {
		data = struct{}{}
	}
	RespondWithJSON(w, status, ApiResponse{
		StatusCode: status,
		Data:       data,
		Message:    message,
		Success:    status < http.StatusBadRequest,
	})
}

// RespondWithError renders err as an ApiError. Errors outside the apperror
// taxonomy become a generic 500; their cause is logged, never returned.
func RespondWithError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	appErr := apperror.From(err)

	if appErr.Kind == apperror.KindInternal {
		logger.WithError(err).Error(appErr.Message)
	}

	details := appErr.Errors
	if details == nil {
		details = []string{}
	}

	RespondWithJSON(w, appErr.StatusCode, ApiError{
		StatusCode: appErr.StatusCode,
		Message:    appErr.Message,
		Success:    false,
		Errors:     details,
	})
}
