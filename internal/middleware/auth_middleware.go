package middleware

import (
	"context"
	"net/http"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/httputil"
	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const identityKey contextKey = "identity"

type AuthMiddleware struct {
	verifier *service.TokenVerifier
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

func NewAuthMiddleware(verifier *service.TokenVerifier, m *metrics.Metrics, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		metrics:  m,
		logger:   logger,
	}
}

// RequireAuth admits a request only if it carries a valid access token for
// an existing account, in the accessToken cookie or a Bearer header.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.verifier.Verify(r.Context(), httputil.AccessTokenFromRequest(r))
		m.metrics.TokenVerifications.
			WithLabelValues(metrics.Result(err, !apperror.IsKind(err, apperror.KindInternal))).
			Inc()
		if err != nil {
			httputil.RespondWithError(w, m.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (*models.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*models.Identity)
	return identity, ok && identity != nil
}
