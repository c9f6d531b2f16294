package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/unixabg/dosi/internal/fsatomic"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTOTPRequired       = errors.New("totp code required")
	ErrNoCredentials      = errors.New("no operator credentials configured")
)

// Credentials is the single operator account. Password is the legacy
// plaintext field still honoured when PasswordHash is empty.
type Credentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash,omitempty"`
	Password     string `json:"password,omitempty"`
	TOTPSecret   string `json:"totp_secret,omitempty"`
}

func (c Credentials) verifyPassword(plain string) bool {
	if c.PasswordHash != "" {
		return VerifyPassword(c.PasswordHash, plain)
	}
	if c.Password != "" {
		return subtle.ConstantTimeCompare([]byte(c.Password), []byte(plain)) == 1
	}
	return false
}

// LoadCredentials reads the credentials file.
func LoadCredentials(path string) (Credentials, error) {
	var c Credentials
	ok, err := fsatomic.LoadJSON(path, &c)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	if !ok || c.Username == "" {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}

// SaveCredentials writes c with 0600 permissions. The legacy plaintext field
// is always dropped.
func SaveCredentials(ctx context.Context, path string, c Credentials) error {
	c.Password = ""
	return fsatomic.WithLock(path, func() error {
		return fsatomic.SaveJSON(ctx, path, c, 0o600)
	})
}

// Authenticator checks operator logins against the credentials file. The file
// is re-read on every attempt so edits take effect without a restart.
type Authenticator struct {
	path string
}

func NewAuthenticator(path string) *Authenticator {
	return &Authenticator{path: path}
}

// Authenticate returns nil when username, password and (if enrolled) the TOTP
// code match.
func (a *Authenticator) Authenticate(username, password, code string) error {
	c, err := LoadCredentials(a.path)
	if err != nil {
		return err
	}
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(username)) == 1
	if !c.verifyPassword(password) || !userOK {
		return ErrInvalidCredentials
	}
	if c.TOTPSecret != "" {
		if code == "" {
			return ErrTOTPRequired
		}
		if !VerifyTOTP(c.TOTPSecret, code) {
			return ErrInvalidCredentials
		}
	}
	return nil
}
