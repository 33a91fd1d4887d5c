// Package oauth owns the broadcaster credential: it runs the Twitch device
// authorization flow, keeps the access token fresh and resolves the broadcaster
// identity and tier. All Manager state lives on the scheduler loop.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/onnwee/twitch-autopoll/config"
	"github.com/onnwee/twitch-autopoll/notify"
	"github.com/onnwee/twitch-autopoll/scheduler"
	"github.com/onnwee/twitch-autopoll/telemetry"
	"github.com/onnwee/twitch-autopoll/twitchapi"
)

const requestTimeout = 15 * time.Second

// TwitchAPI is the subset of *twitchapi.Client the manager uses.
type TwitchAPI interface {
	RequestDeviceCode(ctx context.Context, scopes string) (*oauth2.DeviceAuthResponse, error)
	PollDeviceToken(ctx context.Context, deviceCode, scopes string) (*twitchapi.TokenResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error)
	Validate(ctx context.Context, accessToken string) (*twitchapi.ValidateResult, error)
	GetBroadcasterType(ctx context.Context, accessToken, userID string) (string, error)
}

// Options configures a Manager. Zero values fall back to production defaults.
type Options struct {
	Scopes   string
	Refresh  config.RefreshConfig
	Notifier notify.Notifier
	Opener   URLOpener
}

// Manager runs the device flow and the refresh loop.
//
// Methods without a context (IsAuthorized, CurrentToken, BroadcasterID, Tier,
// Busy hooks) read loop-owned state and must only be called from loop tasks.
// StartAuthorization and Snapshot are safe from any goroutine.
type Manager struct {
	ctx     context.Context
	loop    *scheduler.Loop
	clock   clockwork.Clock
	api     TwitchAPI
	scopes  string
	timing  config.RefreshConfig
	notify  notify.Notifier
	opener  URLOpener
	logger  *slog.Logger
	busy    func() bool
	onToken []func(Session)

	// loop-owned
	state      State
	attempt    uint64
	device     *oauth2.DeviceAuthResponse
	token      oauth2.Token
	userID     string
	login      string
	btype      string
	tier       Tier
	validating bool
	refreshGen uint64
	refreshing bool
	pending    *twitchapi.TokenResult
	pollTimer  clockwork.Timer
	wakeTimer  clockwork.Timer
}

// NewManager creates a manager bound to loop. ctx bounds every background request
// and timer chain the manager starts.
func NewManager(ctx context.Context, loop *scheduler.Loop, api TwitchAPI, opts Options) *Manager {
	if opts.Scopes == "" {
		opts.Scopes = config.PredictionScopes
	}
	if opts.Refresh == (config.RefreshConfig{}) {
		opts.Refresh = config.DefaultRefresh()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Opener == nil {
		opts.Opener = NopOpener{}
	}
	return &Manager{
		ctx:    ctx,
		loop:   loop,
		clock:  loop.Clock(),
		api:    api,
		scopes: opts.Scopes,
		timing: opts.Refresh,
		notify: opts.Notifier,
		opener: opts.Opener,
		logger: slog.Default().With(slog.String("component", "oauth")),
	}
}

// SetBusyCheck installs the gate consulted before the refresh loop touches the
// token. It is called on the loop.
func (m *Manager) SetBusyCheck(fn func() bool) { m.busy = fn }

// OnTokenChange registers fn to run on the loop whenever a new access token is
// stored or the broadcaster identity behind it is resolved.
func (m *Manager) OnTokenChange(fn func(Session)) { m.onToken = append(m.onToken, fn) }

// StartAuthorization begins the device flow unless one is already running or a
// live token is held. It returns once the request has been queued on the loop.
func (m *Manager) StartAuthorization(ctx context.Context) error {
	return m.loop.Call(ctx, m.startAuthorization)
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot(ctx context.Context) (Session, error) {
	var s Session
	err := m.loop.Call(ctx, func() { s = m.session() })
	return s, err
}

// IsAuthorized reports a non-expired access token for an affiliate or partner.
func (m *Manager) IsAuthorized() bool {
	return m.tokenLive() && m.tier == TierAffiliateOrPartner
}

// CurrentToken returns the access token, never an expired one.
func (m *Manager) CurrentToken() (oauth2.Token, error) {
	if m.token.AccessToken == "" {
		return oauth2.Token{}, ErrNotAuthorized
	}
	if m.expired() {
		return oauth2.Token{}, fmt.Errorf("%w: %w", ErrNotAuthorized, ErrTokenExpired)
	}
	return m.token, nil
}

// BroadcasterID returns the resolved user id, or "" before validation.
func (m *Manager) BroadcasterID() string { return m.userID }

// Tier returns the resolved broadcaster tier.
func (m *Manager) Tier() Tier { return m.tier }

// State returns the device-flow state.
func (m *Manager) State() State { return m.state }

func (m *Manager) session() Session {
	s := Session{
		State:            m.state,
		Token:            m.token,
		BroadcasterID:    m.userID,
		BroadcasterLogin: m.login,
		BroadcasterType:  m.btype,
		Tier:             m.tier,
		Authorized:       m.IsAuthorized(),
	}
	if m.device != nil && m.state.handshaking() {
		s.UserCode = m.device.UserCode
		s.VerificationURI = m.device.VerificationURI
	}
	return s
}

func (m *Manager) expired() bool {
	return !m.token.Expiry.IsZero() && !m.clock.Now().Before(m.token.Expiry)
}

func (m *Manager) tokenLive() bool {
	return m.token.AccessToken != "" && !m.expired()
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("device flow state", slog.String("from", m.state.String()), slog.String("to", s.String()))
	m.state = s
}

func (m *Manager) startAuthorization() {
	if m.state.handshaking() || m.state == StateValidating {
		m.logger.Debug("authorization already in progress", slog.String("state", m.state.String()))
		return
	}
	if m.tokenLive() {
		m.logger.Debug("authorization skipped, token still valid")
		return
	}
	if m.pollTimer != nil {
		m.pollTimer.Stop()
	}
	m.attempt++
	attempt := m.attempt
	m.device = nil
	m.setState(StateCodeRequested)
	m.notify.Info("Attempting Twitch OAuth")

	scheduler.Await(m.loop, m.ctx, func(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return m.api.RequestDeviceCode(ctx, m.scopes)
	}, func(da *oauth2.DeviceAuthResponse, err error) {
		if attempt != m.attempt || m.state != StateCodeRequested {
			return
		}
		if err != nil {
			m.setState(StateFailed)
			telemetry.IncDevicePoll("error")
			m.notify.Error(fmt.Sprintf("Twitch OAuth device code request failed: %v", err))
			return
		}
		m.device = da
		m.notify.Info("Opening Twitch OAuth browser")
		m.notify.Info(fmt.Sprintf("Enter code %s at %s", da.UserCode, da.VerificationURI))
		go func(url string) {
			if err := m.opener.Open(url); err != nil {
				m.notify.Warn(fmt.Sprintf("Could not open browser, visit %s manually: %v", url, err))
			}
		}(da.VerificationURI)

		m.setState(StatePolling)
		m.poll(attempt, da.DeviceCode, time.Duration(da.Interval)*time.Second)
	})
}

// poll issues one token request; on a transient answer it re-arms itself after
// interval. The interval is the one Twitch handed out and never changes.
func (m *Manager) poll(attempt uint64, deviceCode string, interval time.Duration) {
	scheduler.Await(m.loop, m.ctx, func(ctx context.Context) (*twitchapi.TokenResult, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return m.api.PollDeviceToken(ctx, deviceCode, m.scopes)
	}, func(res *twitchapi.TokenResult, err error) {
		if attempt != m.attempt || m.state != StatePolling || m.ctx.Err() != nil {
			return
		}
		if err == nil {
			telemetry.IncDevicePoll("authorized")
			m.authorized(res)
			return
		}

		code := twitchapi.OAuthCode(err)
		switch {
		case twitchapi.Classify(err) == twitchapi.ErrorClassTerminal:
			m.setState(StateFailed)
			m.device = nil
			if code == twitchapi.CodeAccessDenied {
				telemetry.IncDevicePoll("denied")
			} else {
				telemetry.IncDevicePoll("expired")
			}
			m.notify.Error(fmt.Sprintf("Twitch OAuth device flow failed: %v", err))
			return
		case code == twitchapi.CodeAuthorizationPending:
			telemetry.IncDevicePoll("pending")
			m.notify.Warn("Twitch OAuth device flow: authorization pending")
		default:
			telemetry.IncDevicePoll("error")
			m.notify.Error(fmt.Sprintf("Twitch OAuth device flow error: %v", err))
		}
		m.pollTimer = m.loop.After(interval, func() { m.poll(attempt, deviceCode, interval) })
	})
}

func (m *Manager) authorized(res *twitchapi.TokenResult) {
	m.token = *res.Token(m.clock.Now())
	m.pending = nil
	m.device = nil
	m.userID, m.login, m.btype = "", "", ""
	m.tier = TierUnknown
	m.setState(StateAuthorized)
	m.notify.Info("Twitch OAuth device flow completed!")
	m.tokenChanged()
	m.validate()
	m.startRefreshLoop()
}

func (m *Manager) tokenChanged() {
	telemetry.SetAuthorized(m.IsAuthorized())
	if len(m.onToken) == 0 {
		return
	}
	s := m.session()
	for _, fn := range m.onToken {
		fn(s)
	}
}

type identity struct {
	userID   string
	login    string
	btype    string
	valErr   error
	usersErr error
}

// validate resolves broadcaster id, login and tier for the current token.
func (m *Manager) validate() {
	if m.validating || m.token.AccessToken == "" {
		return
	}
	m.validating = true
	m.setState(StateValidating)
	token := m.token.AccessToken

	scheduler.Await(m.loop, m.ctx, func(ctx context.Context) (identity, error) {
		ctx, cancel := context.WithTimeout(ctx, 2*requestTimeout)
		defer cancel()
		var id identity
		v, err := m.api.Validate(ctx, token)
		if err != nil {
			id.valErr = err
			return id, nil
		}
		id.userID, id.login = v.UserID, v.Login
		if id.userID == "" {
			return id, nil
		}
		id.btype, id.usersErr = m.api.GetBroadcasterType(ctx, token, id.userID)
		return id, nil
	}, func(id identity, _ error) {
		m.validating = false
		if m.state == StateValidating {
			m.setState(StateAuthorized)
		}
		switch {
		case id.valErr != nil:
			m.notify.Error(fmt.Sprintf("Twitch OAuth validate failed: %v", id.valErr))
		case id.userID == "":
			m.notify.Warn("Twitch OAuth validate succeeded but user_id was missing.")
		default:
			m.userID, m.login = id.userID, id.login
			m.notify.Info(fmt.Sprintf("Twitch OAuth validated. Broadcaster id: %s", m.userID))
			if id.usersErr != nil {
				m.notify.Error(fmt.Sprintf("Twitch get users failed: %v", id.usersErr))
				break
			}
			m.btype = id.btype
			m.tier = TierFromBroadcasterType(id.btype)
			telemetry.IncTierResolution(m.tier.String())
			if m.tier == TierAffiliateOrPartner {
				m.notify.Info(fmt.Sprintf("Twitch broadcaster type: %s", m.btype))
			} else {
				m.notify.Warn("Twitch account is not affiliate/partner. Predictions will be disabled.")
			}
		}
		m.tokenChanged()
	})
}
