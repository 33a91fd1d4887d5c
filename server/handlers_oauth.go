package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/twitch-autopoll/oauth"
	"github.com/onnwee/twitch-autopoll/telemetry"
)

type authStatus struct {
	State            string     `json:"state"`
	Authorized       bool       `json:"authorized"`
	Tier             string     `json:"tier"`
	BroadcasterID    string     `json:"broadcaster_id,omitempty"`
	BroadcasterLogin string     `json:"broadcaster_login,omitempty"`
	BroadcasterType  string     `json:"broadcaster_type,omitempty"`
	AccessToken      string     `json:"access_token,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	UserCode         string     `json:"user_code,omitempty"`
	VerificationURI  string     `json:"verification_uri,omitempty"`
}

func newAuthStatus(s oauth.Session) authStatus {
	st := authStatus{
		State:            s.State.String(),
		Authorized:       s.Authorized,
		Tier:             s.Tier.String(),
		BroadcasterID:    s.BroadcasterID,
		BroadcasterLogin: s.BroadcasterLogin,
		BroadcasterType:  s.BroadcasterType,
		AccessToken:      maskToken(s.Token.AccessToken),
		UserCode:         s.UserCode,
		VerificationURI:  s.VerificationURI,
	}
	if !s.Token.Expiry.IsZero() {
		exp := s.Token.Expiry.UTC()
		st.ExpiresAt = &exp
	}
	return st
}

// maskToken keeps the first four characters so operators can tell tokens apart.
func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", 8)
}

// HandleAuthStart begins the device flow. It returns the session state; the
// user code shows up in the status once Twitch has issued it.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.auth.StartAuthorization(ctx); err != nil {
		writeError(w, err)
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("twitch authorization requested")
	s, err := h.auth.Snapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newAuthStatus(s))
}

// HandleAuthStatus returns the credential session with the token masked.
func (h *Handlers) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.auth.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthStatus(s))
}
