package middleware

import (
	"net/http"

	"github.com/tphummel/building_energy/internal/session"
)

// SessionCookie names the cookie carrying the session id.
const SessionCookie = "session_id"

// Session resolves the caller's session from its cookie, starting a new one
// when the cookie is missing or names an expired session, and stores it in
// the request context for downstream handlers.
func Session(m *session.Manager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s *session.Session
		if c, err := r.Cookie(SessionCookie); err == nil {
			s, _ = m.Lookup(c.Value)
		}
		if s == nil {
			s = m.Create()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    s.ID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), s)))
	})
}
