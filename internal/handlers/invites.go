package handlers

import (
	"errors"
	"net/http"

	"github.com/tryloop/demobroker/internal/gateway"
	"github.com/tryloop/demobroker/internal/invite"
	"github.com/tryloop/demobroker/internal/protocol"
)

// Wired from the serve command during startup.
var Invites *invite.Store

// ValidateInvite pre-checks an invite token for the landing page, using
// the same closed-set reasons and failure counting as join_queue. The
// token comes from the X-Invite-Token header or the token query
// parameter.
func ValidateInvite(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Invite-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	rec, err := Invites.Validate(r.Context(), token, gateway.ClientAddr(r))
	if err != nil {
		var rej *invite.RejectionError
		if errors.As(err, &rej) {
			status := http.StatusForbidden
			switch rej.Reason {
			case protocol.InviteMissing, protocol.InviteInvalid:
				status = http.StatusBadRequest
			case protocol.InviteNotFound:
				status = http.StatusNotFound
			case protocol.InviteRateLimited:
				writeRateLimited(w, rej.RetryAfter)
				return
			}
			writeJSON(w, status, map[string]any{
				"valid":   false,
				"reason":  rej.Reason,
				"message": rej.Message,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"expires_at": rec.ExpiresAt,
		"label":      rec.Label,
	})
}
