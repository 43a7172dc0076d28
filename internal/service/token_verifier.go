package service

import (
	"context"
	"errors"
	"strings"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

// TokenVerifier is the gate in front of every protected operation. It only
// reads from the store.
type TokenVerifier struct {
	accounts repository.AccountRepository
	codec    *TokenCodec
	logger   *logrus.Logger
}

func NewTokenVerifier(accounts repository.AccountRepository, codec *TokenCodec, logger *logrus.Logger) *TokenVerifier {
	return &TokenVerifier{
		accounts: accounts,
		codec:    codec,
		logger:   logger,
	}
}

func (v *TokenVerifier) Verify(ctx context.Context, rawToken string) (*models.Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, apperror.Unauthorized(msgNoToken)
	}

	claims, err := v.codec.Parse(AccessTokenKind, rawToken)
	if err != nil {
		v.logger.WithError(err).Debug("Access token verification failed")
		return nil, apperror.Unauthorized(msgInvalidAccess)
	}

	account, err := v.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, apperror.Unauthorized(msgUserNotFound)
		}
		return nil, apperror.Internal(msgInternalFallback, err)
	}

	return account.Identity(), nil
}
