package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/twitch-autopoll/scheduler"
	"github.com/onnwee/twitch-autopoll/telemetry"
	"github.com/onnwee/twitch-autopoll/twitchapi"
)

// startRefreshLoop (re)starts the single refresh loop. The first check runs now.
func (m *Manager) startRefreshLoop() {
	if m.wakeTimer != nil {
		m.wakeTimer.Stop()
	}
	m.refreshGen++
	m.refreshTick(m.refreshGen)
}

func (m *Manager) scheduleRefresh(gen uint64, d time.Duration) {
	m.wakeTimer = m.loop.After(d, func() { m.refreshTick(gen) })
}

// scheduleNextRefresh waits until the token enters the refresh margin, but never
// less than MinWait.
func (m *Manager) scheduleNextRefresh(gen uint64) {
	remaining := m.token.Expiry.Sub(m.clock.Now())
	wait := remaining - m.timing.Margin
	if wait < m.timing.MinWait {
		wait = m.timing.MinWait
	}
	m.scheduleRefresh(gen, wait)
}

func (m *Manager) predictionBusy() bool {
	return m.busy != nil && m.busy()
}

func (m *Manager) deferRefresh(gen uint64) {
	telemetry.IncRefreshDeferral()
	m.logger.Warn("refresh deferred, prediction in progress", slog.Duration("retry_in", m.timing.DeferInterval))
	m.notify.Warn("Access token near expiry but prediction in progress; delaying refresh.")
	m.scheduleRefresh(gen, m.timing.DeferInterval)
}

// refreshTick is one wake of the refresh loop. Tokens are never touched while a
// prediction is busy.
func (m *Manager) refreshTick(gen uint64) {
	if gen != m.refreshGen || m.ctx.Err() != nil {
		return
	}
	if m.pending != nil {
		if m.predictionBusy() {
			m.deferRefresh(gen)
			return
		}
		res := m.pending
		m.pending = nil
		m.applyRefresh(res)
		m.scheduleNextRefresh(gen)
		return
	}
	if m.token.RefreshToken == "" {
		m.scheduleRefresh(gen, m.timing.NoTokenWait)
		return
	}
	if m.tier == TierUnknown && m.tokenLive() {
		m.validate()
	}

	remaining := m.token.Expiry.Sub(m.clock.Now())
	if remaining <= m.timing.Margin {
		if m.predictionBusy() {
			m.deferRefresh(gen)
			return
		}
		if !m.refreshing {
			m.refreshAccessToken(gen)
			return
		}
	}
	m.scheduleNextRefresh(gen)
}

// refreshAccessToken exchanges the refresh token off-loop. A result that lands
// while a prediction became busy is parked and applied on a later tick.
func (m *Manager) refreshAccessToken(gen uint64) {
	m.refreshing = true
	rt := m.token.RefreshToken
	scheduler.Await(m.loop, m.ctx, func(ctx context.Context) (*twitchapi.TokenResult, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return m.api.RefreshToken(ctx, rt)
	}, func(res *twitchapi.TokenResult, err error) {
		m.refreshing = false
		if gen != m.refreshGen || m.ctx.Err() != nil {
			return
		}
		if err != nil {
			telemetry.IncTokenRefresh("failure")
			m.notify.Error(fmt.Sprintf("Twitch token refresh failed: %v", err))
			m.scheduleNextRefresh(gen)
			return
		}
		if m.predictionBusy() {
			m.pending = res
			m.deferRefresh(gen)
			return
		}
		m.applyRefresh(res)
		m.scheduleNextRefresh(gen)
	})
}

func (m *Manager) applyRefresh(res *twitchapi.TokenResult) {
	tok := res.Token(m.clock.Now())
	if tok.RefreshToken == "" {
		tok.RefreshToken = m.token.RefreshToken
	}
	m.token = *tok
	telemetry.IncTokenRefresh("success")
	m.notify.Info("Twitch access token refreshed.")
	m.tokenChanged()
	if m.userID == "" || m.tier == TierUnknown {
		m.validate()
	}
}
