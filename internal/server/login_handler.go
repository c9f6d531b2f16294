package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/unixabg/dosi/internal/auth"
)

func (h *handlers) loginPage(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Authenticated {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "login", "Log in", nil)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	a := actorFrom(r)
	key := "login:" + a.Addr
	window := time.Duration(h.cfg.RateLoginWindowSec) * time.Second
	if ok, _, reset := h.rl.Allow(key, h.cfg.RateLoginPerWindow, window); !ok {
		h.record(r, "Too many login attempts.")
		h.loginResult("rate_limited")
		writeRetryAfter(w, int(time.Until(reset).Seconds()))
		http.Error(w, "Too many login attempts. Try again later.", http.StatusTooManyRequests)
		return
	}

	user := strings.TrimSpace(r.PostFormValue("username"))
	err := h.authn.Authenticate(user, r.PostFormValue("password"), strings.TrimSpace(r.PostFormValue("totp")))
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrTOTPRequired):
		h.loginResult("totp_required")
		h.loginFailed(w, r, "Enter the code from your authenticator app.")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.record(r, "Failed login attempt for user %q.", user)
		h.loginResult("invalid")
		h.loginFailed(w, r, "Invalid username or password.")
		return
	default:
		h.log.Error().Err(err).Msg("login: credentials unavailable")
		h.loginResult("error")
		http.Error(w, "Login is not configured.", http.StatusServiceUnavailable)
		return
	}

	sess, err := h.sess.Create(user, a.Addr, h.cfg.SessionTTL)
	if err != nil {
		h.log.Error().Err(err).Msg("login: create session")
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	if err := h.codec.EncodeToCookie(w, auth.Session{ID: sess.ID, User: user, ExpiresAt: sess.ExpiresAt.Unix()}); err != nil {
		h.log.Error().Err(err).Msg("login: encode cookie")
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	h.codec.IssueCSRF(w)
	h.rl.Reset(key)
	h.record(r, "User %s logged in.", user)
	h.loginResult("ok")
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *handlers) loginFailed(w http.ResponseWriter, r *http.Request, msg string) {
	q := r.URL.Query()
	q.Set("msg", msg)
	r.URL.RawQuery = q.Encode()
	h.render(w, r, http.StatusUnauthorized, "login", "Log in", nil)
}

func (h *handlers) loginResult(result string) {
	if h.m != nil {
		h.m.Login(result)
	}
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if s, ok := h.codec.DecodeFromRequest(r); ok {
		if err := h.sess.Delete(s.ID); err != nil {
			h.log.Warn().Err(err).Msg("logout: delete session")
		}
		h.record(r, "User %s logged out.", s.User)
	}
	h.codec.ClearCookies(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
