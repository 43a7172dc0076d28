package repository

import (
	"context"
	"errors"

	"github.com/qcom/accounts/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account with username or email already exists")

	// ErrRefreshTokenMismatch is returned by SwapRefreshToken when the stored
	// token is no longer the expected one.
	ErrRefreshTokenMismatch = errors.New("stored refresh token does not match")
)

// AccountRepository is the credential store. SwapRefreshToken must be a
// single atomic compare-and-swap in every implementation.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByIdentity(ctx context.Context, identifier string) (*models.Account, error)

	SetRefreshToken(ctx context.Context, id, token string) error
	SwapRefreshToken(ctx context.Context, id, expected, next string) error
	ClearRefreshToken(ctx context.Context, id string) error

	UpdatePasswordHash(ctx context.Context, id, hash string) error
	UpdateDetails(ctx context.Context, id, fullName, email string) (*models.Account, error)
}
