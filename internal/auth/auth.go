package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/cambix/exchange/internal/config"
	"github.com/cambix/exchange/internal/errs"
	"github.com/cambix/exchange/internal/models"
)

// AccountStore is the persistence the auth service consumes.
type AccountStore interface {
	CreateAccount(ctx context.Context, username, passwordHash string, kind models.AccountKind, initialUsd, initialPen, commissionRate float64) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
}

// AuthService handles account registration and authentication.
type AuthService struct {
	store AccountStore
	cfg   *config.Config
}

// NewAuthService creates a new auth service.
func NewAuthService(store AccountStore, cfg *config.Config) *AuthService {
	return &AuthService{store: store, cfg: cfg}
}

// Register creates a regular account with hashed password and the
// configured initial balances.
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.Account, error) {
	if username == "" {
		return nil, errs.Validation("username cannot be empty")
	}
	if password == "" {
		return nil, errs.Validation("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, errs.Validation("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, errs.Validation("password too long (max 100 characters)")
	}

	if existing, err := s.store.GetAccountByUsername(ctx, username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, errs.Validation("username already taken")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	account, err := s.store.CreateAccount(ctx, username, string(hashedPassword),
		models.KindRegular, s.cfg.InitialUsdBalance, s.cfg.InitialPenBalance, s.cfg.BaseCommissionRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// Login verifies credentials and generates a JWT.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	account, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", errs.Unauthorized("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", errs.Unauthorized("invalid credentials")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": account.ID,
		"username":   account.Username,
		"exp":        time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetAccountFromToken extracts the account id from a JWT.
func (s *AuthService) GetAccountFromToken(tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return 0, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		accountID, ok := claims["account_id"].(float64)
		if !ok {
			return 0, errs.Unauthorized("invalid token claims")
		}
		return int(accountID), nil
	}
	return 0, errs.Unauthorized("invalid token")
}
