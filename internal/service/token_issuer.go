package service

import (
	"context"
	"errors"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

const (
	msgUserNotFound     = "user not found"
	msgTokenGeneration  = "something went wrong while generating refresh and access token"
	msgRefreshExpired   = "refresh token is expired or used"
	msgInvalidRefresh   = "invalid refresh token"
	msgUnauthorized     = "unauthorized request"
	msgNoToken          = "no token provided"
	msgInvalidAccess    = "invalid access token"
	msgInternalFallback = "something went wrong"
)

// TokenIssuer mints token pairs and records the refresh token on the
// account. Tokens are only returned once the refresh token is persisted.
type TokenIssuer struct {
	accounts repository.AccountRepository
	codec    *TokenCodec
	logger   *logrus.Logger
}

func NewTokenIssuer(accounts repository.AccountRepository, codec *TokenCodec, logger *logrus.Logger) *TokenIssuer {
	return &TokenIssuer{
		accounts: accounts,
		codec:    codec,
		logger:   logger,
	}
}

// Issue starts a new session for accountID, replacing any refresh token
// already on record.
func (i *TokenIssuer) Issue(ctx context.Context, accountID string) (*models.TokenPair, error) {
	if _, err := i.accounts.GetByID(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, apperror.NotFound(msgUserNotFound)
		}
		return nil, apperror.Internal(msgTokenGeneration, err)
	}

	pair, err := i.codec.Mint(accountID)
	if err != nil {
		i.logger.WithError(err).WithField("account_id", accountID).Error("Failed to sign tokens")
		return nil, apperror.Internal(msgTokenGeneration, err)
	}

	if err := i.accounts.SetRefreshToken(ctx, accountID, pair.RefreshToken); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, apperror.NotFound(msgUserNotFound)
		}
		i.logger.WithError(err).WithField("account_id", accountID).Error("Failed to persist refresh token")
		return nil, apperror.Internal(msgTokenGeneration, err)
	}

	return pair, nil
}

// Reissue mints a new pair and stores it only if the account still holds
// previous. Losing that race is reported the same way as presenting a used
// token.
func (i *TokenIssuer) Reissue(ctx context.Context, accountID, previous string) (*models.TokenPair, error) {
	pair, err := i.codec.Mint(accountID)
	if err != nil {
		i.logger.WithError(err).WithField("account_id", accountID).Error("Failed to sign tokens")
		return nil, apperror.Internal(msgTokenGeneration, err)
	}

	err = i.accounts.SwapRefreshToken(ctx, accountID, previous, pair.RefreshToken)
	switch {
	case err == nil:
		return pair, nil
	case errors.Is(err, repository.ErrRefreshTokenMismatch), errors.Is(err, repository.ErrAccountNotFound):
		return nil, apperror.Unauthorized(msgRefreshExpired)
	default:
		i.logger.WithError(err).WithField("account_id", accountID).Error("Failed to rotate refresh token")
		return nil, apperror.Internal(msgTokenGeneration, err)
	}
}
