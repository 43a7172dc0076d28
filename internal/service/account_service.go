package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qcom/accounts/internal/apperror"
	"github.com/qcom/accounts/internal/config"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

var errPasswordTooLong = apperror.Validation(fmt.Sprintf("password must be at most %d bytes", MaxPasswordBytes))

type RegisterInput struct {
	FullName string
	Email    string
	Username string
	Password string
}

// AccountService implements the account operations that sit around the
// token lifecycle: registration, login, password change and profile update.
type AccountService struct {
	accounts   repository.AccountRepository
	issuer     *TokenIssuer
	terminator *SessionTerminator
	cfg        config.AuthConfig
	logger     *logrus.Logger
}

func NewAccountService(
	accounts repository.AccountRepository,
	issuer *TokenIssuer,
	terminator *SessionTerminator,
	cfg config.AuthConfig,
	logger *logrus.Logger,
) *AccountService {
	return &AccountService{
		accounts:   accounts,
		issuer:     issuer,
		terminator: terminator,
		cfg:        cfg,
		logger:     logger,
	}
}

func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*models.Identity, error) {
	if isBlank(in.FullName, in.Email, in.Username, in.Password) {
		return nil, apperror.Validation("all fields are required")
	}
	if len(in.Password) > MaxPasswordBytes {
		return nil, errPasswordTooLong
	}

	hash, err := HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, apperror.Internal("something went wrong while registering the user", err)
	}

	account := &models.Account{
		ID:           uuid.New().String(),
		Username:     in.Username,
		Email:        in.Email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return nil, apperror.Conflict("user with email or username already exists")
		}
		return nil, apperror.Internal("something went wrong while registering the user", err)
	}

	s.logger.WithField("account_id", account.ID).Info("Account registered")
	return account.Identity(), nil
}

// Login checks credentials and starts a new session, which ends any
// session the account already had.
func (s *AccountService) Login(ctx context.Context, identifier, password string) (*models.Identity, *models.TokenPair, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, nil, apperror.Validation("username or email is required")
	}

	account, err := s.accounts.GetByIdentity(ctx, identifier)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, nil, apperror.NotFound("user does not exist")
		}
		return nil, nil, apperror.Internal(msgInternalFallback, err)
	}

	if !VerifyPassword(password, account.PasswordHash) {
		return nil, nil, apperror.Unauthorized("password is incorrect")
	}

	pair, err := s.issuer.Issue(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}

	s.logger.WithField("account_id", account.ID).Info("User logged in")
	return account.Identity(), pair, nil
}

// ChangePassword replaces the password hash. Whether the current session
// survives is controlled by AuthConfig.RevokeSessionsOnPasswordChange.
func (s *AccountService) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return apperror.Validation("new password is required")
	}
	if len(newPassword) > MaxPasswordBytes {
		return errPasswordTooLong
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return apperror.Unauthorized(msgUserNotFound)
		}
		return apperror.Internal(msgInternalFallback, err)
	}

	if !VerifyPassword(oldPassword, account.PasswordHash) {
		return apperror.Validation("invalid old password")
	}

	hash, err := HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return apperror.Internal(msgInternalFallback, err)
	}

	if err := s.accounts.UpdatePasswordHash(ctx, accountID, hash); err != nil {
		return apperror.Internal(msgInternalFallback, err)
	}

	if s.cfg.RevokeSessionsOnPasswordChange {
		if err := s.terminator.Terminate(ctx, accountID); err != nil {
			return err
		}
	}

	s.logger.WithField("account_id", accountID).Info("Password changed")
	return nil
}

func (s *AccountService) UpdateDetails(ctx context.Context, accountID, fullName, email string) (*models.Identity, error) {
	if isBlank(fullName, email) {
		return nil, apperror.Validation("all fields are required")
	}

	account, err := s.accounts.UpdateDetails(ctx, accountID, strings.TrimSpace(fullName), email)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAccountExists):
			return nil, apperror.Conflict("user with email or username already exists")
		case errors.Is(err, repository.ErrAccountNotFound):
			return nil, apperror.Unauthorized(msgUserNotFound)
		}
		return nil, apperror.Internal(msgInternalFallback, err)
	}

	return account.Identity(), nil
}

func isBlank(fields ...string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return true
		}
	}
	return false
}
