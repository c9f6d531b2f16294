package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/unixabg/dosi/internal/fsatomic"
)

const (
	SessionCookieName = "dosi_session"
	CSRFCookieName    = "dosi_csrf"

	hashKeyLen  = 64
	blockKeyLen = 32
)

// Session is what the cookie carries. The ID must also exist in the
// server-side session store for the cookie to be honoured.
type Session struct {
	ID        string `json:"sid"`
	User      string `json:"user"`
	ExpiresAt int64  `json:"exp"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool { return now.Unix() > s.ExpiresAt }

// LoadOrCreateSecret returns the cookie hash and block keys stored at path,
// generating and persisting them on first use.
func LoadOrCreateSecret(path string) (hashKey, blockKey []byte, err error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) == hashKeyLen+blockKeyLen {
		return b[:hashKeyLen], b[hashKeyLen:], nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	hashKey = securecookie.GenerateRandomKey(hashKeyLen)
	blockKey = securecookie.GenerateRandomKey(blockKeyLen)
	if hashKey == nil || blockKey == nil {
		return nil, nil, errors.New("failed to generate session keys")
	}
	secret := append(append([]byte{}, hashKey...), blockKey...)
	if err := fsatomic.WriteFile(context.Background(), path, secret, 0o600); err != nil {
		return nil, nil, err
	}
	return hashKey, blockKey, nil
}

// SessionCodec signs and encrypts session cookies.
type SessionCodec struct {
	sc     *securecookie.SecureCookie
	secure bool
}

func NewSessionCodec(hashKey, blockKey []byte, ttl time.Duration, secure bool) *SessionCodec {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(ttl.Seconds()))
	return &SessionCodec{sc: sc, secure: secure}
}

func (c *SessionCodec) EncodeToCookie(w http.ResponseWriter, s Session) error {
	val, err := c.sc.Encode(SessionCookieName, s)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    val,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.secure,
		Expires:  time.Unix(s.ExpiresAt, 0),
	})
	return nil
}

func (c *SessionCodec) DecodeFromRequest(r *http.Request) (Session, bool) {
	ck, err := r.Cookie(SessionCookieName)
	if err != nil {
		return Session{}, false
	}
	var s Session
	if err := c.sc.Decode(SessionCookieName, ck.Value, &s); err != nil {
		return Session{}, false
	}
	if s.ID == "" || s.Expired(time.Now()) {
		return Session{}, false
	}
	return s, true
}

func (c *SessionCodec) ClearCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookieName, CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: name == SessionCookieName,
			SameSite: http.SameSiteLaxMode,
			Secure:   c.secure,
			MaxAge:   -1,
		})
	}
}

// IssueCSRF sets a fresh CSRF cookie and returns its value. Forms echo it in a
// hidden field, scripts in the X-CSRF-Token header.
func (c *SessionCodec) IssueCSRF(w http.ResponseWriter) string {
	token := base64.RawURLEncoding.EncodeToString(securecookie.GenerateRandomKey(32))
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Secure:   c.secure,
	})
	return token
}
