package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/twitch-autopoll/oauth"
	"github.com/onnwee/twitch-autopoll/prediction"
)

const queueSize = 16

// IRCClient is the subset of *twitch.Client the announcer drives.
type IRCClient interface {
	OnConnect(func())
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// Dialer builds an unconnected IRC client for login using an access token.
type Dialer func(login, accessToken string) IRCClient

// DialTwitch is the default Dialer.
func DialTwitch(login, accessToken string) IRCClient {
	return twitch.NewClient(login, "oauth:"+accessToken)
}

type credentials struct {
	login string
	token string
}

// Announcer posts prediction events to chat. It implements
// prediction.Announcer.
type Announcer struct {
	dial   Dialer
	keys   chan credentials
	queue  chan string
	logger *slog.Logger
}

// NewAnnouncer returns an announcer using dial (DialTwitch when nil). Call Run
// to start it.
func NewAnnouncer(dial Dialer) *Announcer {
	if dial == nil {
		dial = DialTwitch
	}
	return &Announcer{
		dial:   dial,
		keys:   make(chan credentials, 1),
		queue:  make(chan string, queueSize),
		logger: slog.Default().With(slog.String("component", "chat_announcer")),
	}
}

// Rekey replaces the chat credentials with the ones in s. It suits
// oauth.Manager.OnTokenChange and does not block.
func (a *Announcer) Rekey(s oauth.Session) {
	if s.BroadcasterLogin == "" || s.Token.AccessToken == "" {
		return
	}
	c := credentials{login: strings.ToLower(s.BroadcasterLogin), token: s.Token.AccessToken}
	for {
		select {
		case a.keys <- c:
			return
		default:
		}
		// Replace a pending key nobody has picked up yet.
		select {
		case <-a.keys:
		default:
		}
	}
}

// Announce queues the chat line for ev. Events with nothing to say, and events
// arriving while the queue is full, are dropped.
func (a *Announcer) Announce(ev prediction.Event) {
	text := FormatEvent(ev)
	if text == "" {
		return
	}
	select {
	case a.queue <- text:
	default:
		a.logger.Warn("chat queue full; dropping announcement", slog.String("kind", string(ev.Kind)))
	}
}

// Run owns the IRC connection until ctx ends.
func (a *Announcer) Run(ctx context.Context) {
	var (
		client  IRCClient
		current credentials
	)
	disconnect := func() {
		if client != nil {
			_ = client.Disconnect()
			client = nil
		}
	}
	defer disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-a.keys:
			if c == current && client != nil {
				continue
			}
			disconnect()
			current = c
			client = a.connect(ctx, c)
		case text := <-a.queue:
			if client == nil {
				a.logger.Debug("no chat connection; dropping announcement", slog.String("text", text))
				continue
			}
			client.Say(current.login, text)
		}
	}
}

func (a *Announcer) connect(ctx context.Context, c credentials) IRCClient {
	client := a.dial(c.login, c.token)
	client.OnConnect(func() {
		a.logger.Info("connected to twitch chat", slog.String("channel", c.login))
	})
	client.Join(c.login)
	go func() {
		// Connect blocks until Disconnect or a fatal error.
		if err := client.Connect(); err != nil && ctx.Err() == nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			a.logger.Warn("twitch chat connect error", slog.String("channel", c.login), slog.Any("err", err))
		}
	}()
	return client
}

// FormatEvent renders ev as one chat line; failures render as "".
func FormatEvent(ev prediction.Event) string {
	switch ev.Kind {
	case prediction.EventCreated:
		titles := make([]string, 0, len(ev.Outcomes))
		for _, o := range ev.Outcomes {
			titles = append(titles, o.Title)
		}
		return fmt.Sprintf("Prediction open for %ds: %s (%s)", ev.Window, ev.Title, strings.Join(titles, " vs "))
	case prediction.EventResolved:
		if w := ev.WinnerTitle(); w != "" {
			return fmt.Sprintf("Prediction resolved: %s won!", w)
		}
		return "Prediction resolved."
	case prediction.EventCanceled:
		return "Prediction canceled; points have been refunded."
	default:
		return ""
	}
}
