package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/qcom/accounts/internal/models"
	"github.com/qcom/accounts/internal/repository/migrations"
	"github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

const accountColumns = `id, username, email, full_name, password_hash, COALESCE(refresh_token, ''), created_at, updated_at`

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type PostgresAccountRepository struct {
	db     DBTX
	logger *logrus.Logger
}

func NewPostgresAccountRepository(db DBTX, logger *logrus.Logger) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db, logger: logger}
}

// OpenPostgres opens a pgx-backed *sql.DB and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Username = models.NormalizeIdentifier(account.Username)
	account.Email = models.NormalizeIdentifier(account.Email)

	query := `INSERT INTO accounts (id, username, email, full_name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.Username, account.Email, account.FullName, account.PasswordHash,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		r.logger.WithError(err).Error("Failed to create account in Postgres")
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresAccountRepository) GetByIdentity(ctx context.Context, identifier string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1 OR email = $1 LIMIT 1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, models.NormalizeIdentifier(identifier)))
}

func (r *PostgresAccountRepository) SetRefreshToken(ctx context.Context, id, token string) error {
	query := `UPDATE accounts SET refresh_token = $2, updated_at = $3 WHERE id = $1`
	return r.execExpectingRow(ctx, ErrAccountNotFound, query, id, token, time.Now().UTC())
}

// SwapRefreshToken only matches the row while it still holds expected, so
// concurrent rotations of one token serialize on the row lock and all but
// one see zero rows affected.
func (r *PostgresAccountRepository) SwapRefreshToken(ctx context.Context, id, expected, next string) error {
	if expected == "" {
		return ErrRefreshTokenMismatch
	}
	query := `UPDATE accounts SET refresh_token = $3, updated_at = $4 WHERE id = $1 AND refresh_token = $2`
	return r.execExpectingRow(ctx, ErrRefreshTokenMismatch, query, id, expected, next, time.Now().UTC())
}

func (r *PostgresAccountRepository) ClearRefreshToken(ctx context.Context, id string) error {
	query := `UPDATE accounts SET refresh_token = NULL, updated_at = $2 WHERE id = $1`
	return r.execExpectingRow(ctx, ErrAccountNotFound, query, id, time.Now().UTC())
}

func (r *PostgresAccountRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return r.execExpectingRow(ctx, ErrAccountNotFound, query, id, hash, time.Now().UTC())
}

func (r *PostgresAccountRepository) UpdateDetails(ctx context.Context, id, fullName, email string) (*models.Account, error) {
	query := `UPDATE accounts SET full_name = $2, email = $3, updated_at = $4 WHERE id = $1 RETURNING ` + accountColumns
	account, err := r.scanAccount(r.db.QueryRowContext(ctx, query, id, fullName, models.NormalizeIdentifier(email), time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return account, nil
}

func (r *PostgresAccountRepository) execExpectingRow(ctx context.Context, noRows error, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithError(err).Error("Failed to update account in Postgres")
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return noRows
	}
	return nil
}

func (r *PostgresAccountRepository) scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.FullName, &a.PasswordHash, &a.RefreshToken, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
