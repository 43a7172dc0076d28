package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

// RefreshRotator exchanges the current refresh token for a new pair. A
// refresh token is honoured once: the swap in the store is conditional on
// the presented value still being the stored one.
type RefreshRotator struct {
	accounts repository.AccountRepository
	codec    *TokenCodec
	issuer   *TokenIssuer
	logger   *logrus.Logger
}

func NewRefreshRotator(accounts repository.AccountRepository, codec *TokenCodec, issuer *TokenIssuer, logger *logrus.Logger) *RefreshRotator {
	return &RefreshRotator{
		accounts: accounts,
		codec:    codec,
		issuer:   issuer,
		logger:   logger,
	}
}

func (r *RefreshRotator) Rotate(ctx context.Context, incoming string) (*models.TokenPair, error) {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return nil, apperror.Unauthorized(msgUnauthorized)
	}

	claims, err := r.codec.Parse(RefreshTokenKind, incoming)
	if err != nil {
		r.logger.WithError(err).Debug("Refresh token verification failed")
		return nil, apperror.Unauthorized(msgInvalidRefresh)
	}

	account, err := r.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, apperror.Unauthorized(msgInvalidRefresh)
		}
		return nil, apperror.Internal(msgInternalFallback, err)
	}

	if account.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(incoming), []byte(account.RefreshToken)) != 1 {
		r.logger.WithField("account_id", account.ID).Warn("Rejected refresh token that is not the current one")
		return nil, apperror.Unauthorized(msgRefreshExpired)
	}

	pair, err := r.issuer.Reissue(ctx, account.ID, incoming)
	if err != nil {
		if apperror.IsKind(err, apperror.KindAuthentication) {
			r.logger.WithField("account_id", account.ID).Warn("Lost refresh rotation race")
		}
		return nil, err
	}

	return pair, nil
}
