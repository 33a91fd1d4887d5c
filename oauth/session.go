package oauth

import (
	"errors"

	"golang.org/x/oauth2"
)

var (
	// ErrNotAuthorized means no usable access token is held.
	ErrNotAuthorized = errors.New("oauth: not authorized")
	// ErrTokenExpired means the held access token is past its expiry.
	ErrTokenExpired = errors.New("oauth: access token expired")
)

// Tier is the broadcaster's monetization tier; predictions need AffiliateOrPartner.
type Tier int

const (
	TierUnknown Tier = iota
	TierStandard
	TierAffiliateOrPartner
)

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierAffiliateOrPartner:
		return "affiliate_or_partner"
	default:
		return "unknown"
	}
}

// TierFromBroadcasterType maps Helix broadcaster_type to a Tier. An empty type is a
// standard account; "affiliate" and "partner" (or anything else Twitch adds) are not.
func TierFromBroadcasterType(bt string) Tier {
	if bt == "" {
		return TierStandard
	}
	return TierAffiliateOrPartner
}

// State is the device-flow handshake state.
type State int

const (
	StateIdle State = iota
	StateCodeRequested
	StatePolling
	StateAuthorized
	StateValidating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCodeRequested:
		return "code_requested"
	case StatePolling:
		return "polling"
	case StateAuthorized:
		return "authorized"
	case StateValidating:
		return "validating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// handshaking reports whether a device flow is in progress.
func (s State) handshaking() bool {
	return s == StateCodeRequested || s == StatePolling
}

// Session is a copy of the credential state at one point in time.
type Session struct {
	State            State
	Token            oauth2.Token
	BroadcasterID    string
	BroadcasterLogin string
	BroadcasterType  string
	Tier             Tier
	Authorized       bool

	// Set while waiting for the operator to enter the code.
	UserCode        string
	VerificationURI string
}
