// Package auth is the credential-verification boundary: password hashing,
// token issue and validation. User records live in the message store's user
// table; everything else here is stateless.
package auth

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"parley/internal/model"
	"parley/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown email and wrong password alike,
	// so a probe cannot tell which one failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrWeakPassword rejects passwords failing the strength rule.
	ErrWeakPassword = errors.New("password must be at least 8 characters and include uppercase, lowercase, number, and special character")
	// ErrInvalidToken rejects missing, malformed, or expired tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

const tokenTTL = 7 * 24 * time.Hour

// Claims are the identity claims embedded in issued tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Service issues and validates session credentials.
type Service struct {
	users  store.Store
	secret []byte
}

// New returns a credential service signing with secret and reading user
// records from st.
func New(st store.Store, secret string) *Service {
	return &Service{users: st, secret: []byte(secret)}
}

var (
	hasLower   = regexp.MustCompile(`[a-z]`)
	hasUpper   = regexp.MustCompile(`[A-Z]`)
	hasDigit   = regexp.MustCompile(`\d`)
	hasSpecial = regexp.MustCompile(`[\W_]`)
)

func strongPassword(pw string) bool {
	return len(pw) >= 8 &&
		hasLower.MatchString(pw) &&
		hasUpper.MatchString(pw) &&
		hasDigit.MatchString(pw) &&
		hasSpecial.MatchString(pw)
}

// Register creates an account and returns the user plus a session token.
// Returns store.ErrUserExists for a duplicate email.
func (s *Service) Register(ctx context.Context, email, password, avatar string) (*model.User, string, error) {
	if !strongPassword(password) {
		return nil, "", ErrWeakPassword
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	user := model.User{
		Email:        email,
		PasswordHash: string(hashed),
		Avatar:       avatar,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := s.issue(email)
	if err != nil {
		return nil, "", err
	}
	return &user, token, nil
}

// Login verifies the password and returns the user plus a session token.
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	user, err := s.users.GetUser(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issue(email)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Verify validates a token and returns the identity it carries.
func (s *Service) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) issue(email string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString(s.secret)
}
