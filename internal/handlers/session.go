package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tryloop/demobroker/internal/gateway"
	"github.com/tryloop/demobroker/internal/ratelimit"
	"github.com/tryloop/demobroker/internal/session"
)

// SessionCookie is the cookie carrying the session token past the
// reverse proxy.
const SessionCookie = "demo_session"

// Wired from the serve command during startup.
var (
	Supervisor    *session.Supervisor
	CookieLimiter *ratelimit.Limiter
	CookieSecure  bool
	CookieMaxAge  time.Duration
)

// ValidateSession gates the observability dashboards behind the reverse
// proxy: 200 when the presented cookie is a live session token minted
// for this remote address, 401 otherwise. The matching session id goes
// out in a response header for downstream logging.
func ValidateSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	entry, ok := Supervisor.Tokens().Lookup(cookie.Value)
	if !ok || entry.RemoteAddr != gateway.ClientAddr(r) {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	w.Header().Set("X-Demo-Session", entry.SessionID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": entry.SessionID})
}

type setCookieRequest struct {
	Token string `json:"token"`
}

// SetCookie issues the session cookie to the browser that owns the
// token. The caller's address must match the one recorded when the
// token was minted (or last rebound).
func SetCookie(w http.ResponseWriter, r *http.Request) {
	addr := gateway.ClientAddr(r)
	if ok, retry := CookieLimiter.Allow(addr); !ok {
		writeRateLimited(w, retry)
		return
	}

	var req setCookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}

	entry, ok := Supervisor.Tokens().Lookup(req.Token)
	if !ok || entry.RemoteAddr != addr {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    req.Token,
		Path:     "/",
		MaxAge:   int(CookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"session_id": entry.SessionID})
}
