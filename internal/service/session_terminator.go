package service

import (
	"context"
	"errors"

	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

type SessionTerminator struct {
	accounts repository.AccountRepository
	logger   *logrus.Logger
}

func NewSessionTerminator(accounts repository.AccountRepository, logger *logrus.Logger) *SessionTerminator {
	return &SessionTerminator{
		accounts: accounts,
		logger:   logger,
	}
}

// Terminate clears the stored refresh token. Calling it on an account with
// no active session is a no-op.
func (t *SessionTerminator) Terminate(ctx context.Context, accountID string) error {
	if err := t.accounts.ClearRefreshToken(ctx, accountID); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return apperror.Unauthorized(msgUserNotFound)
		}
		t.logger.WithError(err).WithField("account_id", accountID).Error("Failed to clear refresh token")
		return apperror.Internal(msgInternalFallback, err)
	}
	return nil
}
