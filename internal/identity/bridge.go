// Package identity turns a username/password pair into a stored, validated
// webservice token and hands that token back out while it stays valid.
package identity

import (
	"context"
	"errors"
	"fmt"

	appLog "campussync/internal/log"
	"campussync/internal/model"
	"campussync/internal/moodle"
)

var (
	// ErrReauthRequired means the user has no usable token and must log in
	// again with fresh credentials.
	ErrReauthRequired = errors.New("identity: re-authentication required")

	// ErrTokenRejected means the login flow produced a token the webservice
	// does not accept.
	ErrTokenRejected = errors.New("identity: token rejected by webservice")
)

// LoginDriver runs the CAS login and mobile launch.
type LoginDriver interface {
	Login(ctx context.Context, creds model.Credentials) (string, error)
}

// Validator asks the webservice about a token. Check returns nil for an
// accepted token, an error matching moodle.ErrInvalidToken for a rejected
// one, and any other error when the webservice could not answer.
type Validator interface {
	Check(ctx context.Context, token string) error
}

// TokenStore persists the token on the user.
type TokenStore interface {
	Token(ctx context.Context, userID string) (string, error)
	SetToken(ctx context.Context, userID, token string) error
	ClearToken(ctx context.Context, userID string) error
}

type Bridge struct {
	driver    LoginDriver
	validator Validator
	store     TokenStore
}

func NewBridge(driver LoginDriver, validator Validator, store TokenStore) *Bridge {
	return &Bridge{driver: driver, validator: validator, store: store}
}

// Login runs the full identity flow for userID and persists the resulting
// token. Driver failures are returned unchanged so callers can tell
// credential failures from structural ones. A fresh token that cannot be
// checked because the webservice is down is stored unchecked. creds is
// never stored.
func (b *Bridge) Login(ctx context.Context, userID string, creds model.Credentials) (string, error) {
	token, err := b.driver.Login(ctx, creds)
	if err != nil {
		appLog.Error("identity login failed", err, "user", userID)
		return "", err
	}
	if err := b.validator.Check(ctx, token); err != nil {
		if errors.Is(err, moodle.ErrInvalidToken) {
			appLog.Info("identity login produced a rejected token", "user", userID)
			return "", ErrTokenRejected
		}
		appLog.Error("could not check new token, storing it unchecked", err, "user", userID)
	}
	if err := b.store.SetToken(ctx, userID, token); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	appLog.Info("identity login ok", "user", userID)
	return token, nil
}

// CurrentToken returns the stored token while the webservice still accepts
// it. A rejected token is cleared. When the webservice cannot answer the
// token is kept and the upstream error is returned.
func (b *Bridge) CurrentToken(ctx context.Context, userID string) (string, error) {
	token, err := b.store.Token(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if token == "" {
		return "", ErrReauthRequired
	}
	err = b.validator.Check(ctx, token)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, moodle.ErrInvalidToken) {
		return "", fmt.Errorf("check token: %w", err)
	}

	appLog.Info("stored token no longer valid", "user", userID)
	if err := b.store.ClearToken(ctx, userID); err != nil {
		return "", fmt.Errorf("clear token: %w", err)
	}
	return "", ErrReauthRequired
}

// Invalidate clears the stored token after a webservice call reported it
// invalid.
func (b *Bridge) Invalidate(ctx context.Context, userID string) error {
	return b.store.ClearToken(ctx, userID)
}
