package server

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/unixabg/dosi/internal/auth"
)

type ctxKey string

const ctxActor ctxKey = "actor"

// actorFrom returns the request's auth context; requests that did not pass
// through withActor are anonymous.
func actorFrom(r *http.Request) auth.Actor {
	if a, ok := r.Context().Value(ctxActor).(auth.Actor); ok {
		return a
	}
	return auth.Actor{}
}

// withActor resolves the session cookie against the session store and
// attaches the resulting auth.Actor to the request.
func (h *handlers) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientIP(r, h.cfg)
		a := auth.Device(addr)
		if s, ok := h.codec.DecodeFromRequest(r); ok {
			if rec, ok := h.sess.Get(s.ID); ok && rec.User == s.User {
				a = auth.Operator(s.User, addr)
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActor, a)))
	})
}

// requireOperator rejects anonymous callers. Pages redirect to the login form;
// the JSON API answers 401.
func (h *handlers) requireOperator(api bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actorFrom(r).Authenticated {
				next.ServeHTTP(w, r)
				return
			}
			h.record(r, "Unauthorized access attempt to %s.", r.URL.Path)
			if api {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "login required")
				return
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
		})
	}
}

// requireCSRF checks the double-submit token on unsafe methods. Forms send
// it in the "csrf" field, scripts in X-CSRF-Token.
func requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ck, err := r.Cookie(auth.CSRFCookieName)
		if err != nil || ck.Value == "" {
			http.Error(w, "Missing CSRF token.", http.StatusForbidden)
			return
		}
		token := r.Header.Get("X-CSRF-Token")
		if token == "" {
			token = r.PostFormValue("csrf")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(ck.Value)) != 1 {
			http.Error(w, "Invalid CSRF token.", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfToken returns the caller's CSRF token, issuing one if needed.
func (h *handlers) csrfToken(w http.ResponseWriter, r *http.Request) string {
	if ck, err := r.Cookie(auth.CSRFCookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	return h.codec.IssueCSRF(w)
}
