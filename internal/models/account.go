package models

import (
	"strings"
	"time"
)

// Account is the stored credential record. RefreshToken holds the one
// refresh token currently honoured for the account, or "" when no session
// is active.
type Account struct {
	ID           string    `json:"id" dynamodbav:"id"`
	Username     string    `json:"username" dynamodbav:"username"`
	Email        string    `json:"email" dynamodbav:"email"`
	FullName     string    `json:"fullName" dynamodbav:"full_name"`
	PasswordHash string    `json:"-" dynamodbav:"password_hash"`
	RefreshToken string    `json:"-" dynamodbav:"refresh_token,omitempty"`
	CreatedAt    time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

func (a *Account) GetPK() string {
	return AccountPK(a.ID)
}

func (a *Account) GetSK() string {
	return "METADATA"
}

func AccountPK(id string) string {
	return "ACCOUNT#" + id
}

func UsernamePK(username string) string {
	return "USERNAME#" + NormalizeIdentifier(username)
}

func EmailPK(email string) string {
	return "EMAIL#" + NormalizeIdentifier(email)
}

// Identity is what the access-token gate hands to protected operations.
type Identity struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Identity strips the credential fields from the account.
func (a *Account) Identity() *Identity {
	return &Identity{
		ID:        a.ID,
		Username:  a.Username,
		Email:     a.Email,
		FullName:  a.FullName,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// NormalizeIdentifier lower-cases and trims a username or email.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
