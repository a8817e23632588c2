// Package auth authenticates operators of the admin API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Admin is the single operator account configured for the process.
type Admin struct {
	Username     string
	PasswordHash string
}

type Service struct {
	admin  Admin
	config Config
	now    func() time.Time
}

func NewService(admin Admin, config Config) *Service {
	return &Service{admin: admin, config: config, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enabled reports whether login is possible at all.
func (s *Service) Enabled() bool {
	return s.admin.Username != "" && s.admin.PasswordHash != "" && s.config.JWTSecret != ""
}

func (s *Service) Login(_ context.Context, username, password string) (string, error) {
	if !s.Enabled() {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.admin.Username)) != 1 {
		return "", ErrInvalidCredentials
	}
	if !CheckPassword(password, s.admin.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, s.admin.Username, RoleAdmin, s.now())
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

func (s *Service) Validate(token string) (*Claims, error) {
	return ValidateToken(s.config.JWTSecret, token)
}
