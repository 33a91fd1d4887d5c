// Package prediction drives at most one Twitch prediction at a time: create it
// from the teams of a match, resolve it with the winning team or cancel it.
// Service state is owned by the scheduler loop.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/onnwee/twitch-autopoll/config"
	"github.com/onnwee/twitch-autopoll/notify"
	"github.com/onnwee/twitch-autopoll/oauth"
	"github.com/onnwee/twitch-autopoll/scheduler"
	"github.com/onnwee/twitch-autopoll/telemetry"
	"github.com/onnwee/twitch-autopoll/twitchapi"
)

const (
	requestTimeout = 15 * time.Second
	publishTimeout = 5 * time.Second
	eventQueueSize = 32
)

// Credentials is the loop-bound view of the credential manager.
type Credentials interface {
	CurrentToken() (oauth2.Token, error)
	BroadcasterID() string
	Tier() oauth.Tier
}

// API is the subset of *twitchapi.Client used for predictions.
type API interface {
	CreatePrediction(ctx context.Context, accessToken string, in twitchapi.CreatePredictionRequest) (*twitchapi.Prediction, error)
	EndPrediction(ctx context.Context, accessToken string, in twitchapi.EndPredictionRequest) (*twitchapi.Prediction, error)
}

// EventRecorder persists prediction events.
type EventRecorder interface {
	RecordPredictionEvent(ctx context.Context, ev Event) error
}

// Announcer tells viewers about prediction events.
type Announcer interface {
	Announce(ev Event)
}

// Options configures a Service.
type Options struct {
	Title     string
	Window    config.WindowConfig
	Notifier  notify.Notifier
	Recorder  EventRecorder
	Announcer Announcer
}

// Service owns the prediction lifecycle.
//
// Create, Resolve, Cancel, Shutdown and Snapshot may be called from any goroutine;
// Busy is loop-bound. REST calls started on behalf of a caller are detached from
// its context: if the caller stops waiting the call still completes and its
// result is applied.
type Service struct {
	loop      *scheduler.Loop
	clock     clockwork.Clock
	api       API
	creds     Credentials
	title     string
	window    config.WindowConfig
	notify    notify.Notifier
	recorder  EventRecorder
	announcer Announcer
	logger    *slog.Logger
	events    chan Event

	// loop-owned
	status        Status
	id            string
	broadcasterID string
	outcomes      []OutcomeSpec
	outcomeIDs    map[int]string
	windowSecs    int
	createdAt     time.Time
	settled       chan struct{}
}

// NewService creates a prediction service on loop.
func NewService(loop *scheduler.Loop, api API, creds Credentials, opts Options) *Service {
	if opts.Title == "" {
		opts.Title = config.DefaultPredictionTitle
	}
	if opts.Window == (config.WindowConfig{}) {
		opts.Window = config.DefaultWindow()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	s := &Service{
		loop:      loop,
		clock:     loop.Clock(),
		api:       api,
		creds:     creds,
		title:     opts.Title,
		window:    opts.Window,
		notify:    opts.Notifier,
		recorder:  opts.Recorder,
		announcer: opts.Announcer,
		logger:    slog.Default().With(slog.String("component", "prediction")),
	}
	if s.recorder != nil || s.announcer != nil {
		s.events = make(chan Event, eventQueueSize)
		go s.deliver()
	}
	return s
}

// Busy reports whether a prediction is being created, is live, or is being
// ended. The credential manager consults it before touching the token.
func (s *Service) Busy() bool { return s.status != StatusNone }

// Snapshot returns the current prediction.
func (s *Service) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := s.loop.Call(ctx, func() { v = s.view() })
	return v, err
}

// Create opens a prediction with one outcome per option group. options maps the
// caller's option key (team id) to the names in that group.
func (s *Service) Create(ctx context.Context, options map[int][]string, roundsToWin int) error {
	return s.run(ctx, func(done chan<- error) { s.create(ctx, options, roundsToWin, done) })
}

// Resolve ends the live prediction with the outcome mapped to winningOptionKey.
func (s *Service) Resolve(ctx context.Context, winningOptionKey int) error {
	return s.run(ctx, func(done chan<- error) { s.resolve(ctx, winningOptionKey, done) })
}

// Cancel ends the live prediction and refunds viewers.
func (s *Service) Cancel(ctx context.Context) error {
	return s.run(ctx, func(done chan<- error) { s.end(ctx, opCancel, twitchapi.StatusCanceled, 0, "", done) })
}

// Shutdown cancels a live prediction, waiting for an in-flight operation to
// settle first. It gives up when ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	for {
		var st Status
		var settled <-chan struct{}
		if err := s.loop.Call(ctx, func() { st, settled = s.status, s.settled }); err != nil {
			return err
		}
		switch st {
		case StatusNone:
			return nil
		case StatusActive:
			s.logger.Info("canceling live prediction on shutdown")
			err := s.Cancel(ctx)
			if errors.Is(err, ErrNoActivePrediction) || errors.Is(err, ErrBusy) {
				continue
			}
			return err
		default:
			select {
			case <-settled:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// run executes op on the loop and waits for its result or for ctx.
func (s *Service) run(ctx context.Context, op func(done chan<- error)) error {
	done := make(chan error, 1)
	if err := s.loop.Call(ctx, func() { op(done) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) setStatus(st Status) {
	wasTransitional := s.status.transitional()
	s.status = st
	if st.transitional() && !wasTransitional {
		s.settled = make(chan struct{})
	}
	if !st.transitional() && wasTransitional && s.settled != nil {
		close(s.settled)
		s.settled = nil
	}
	telemetry.SetPredictionActive(st != StatusNone)
}

func (s *Service) clear() {
	s.id = ""
	s.outcomes = nil
	s.outcomeIDs = nil
	s.windowSecs = 0
	s.createdAt = time.Time{}
	s.setStatus(StatusNone)
}

// fail reports a precondition failure: notified, counted, nothing mutated.
func (s *Service) fail(ctx context.Context, op string, err error, done chan<- error) {
	telemetry.IncPredictionOp(op, "precondition")
	msg := fmt.Sprintf("Twitch prediction %s rejected: %v", op, err)
	if errors.Is(err, ErrNotAffiliate) || errors.Is(err, ErrBusy) {
		s.notify.Warn(msg)
	} else {
		s.notify.Error(msg)
	}
	telemetry.LoggerWithCorr(ctx).Debug("prediction precondition failed", slog.String("op", op), slog.Any("err", err))
	done <- err
}

// ensureReady checks everything a prediction REST call needs and returns the
// access token to use.
func (s *Service) ensureReady() (string, error) {
	if id := s.creds.BroadcasterID(); id != "" {
		s.broadcasterID = id
	}
	if s.broadcasterID == "" {
		return "", ErrNoBroadcasterID
	}
	tok, err := s.creds.CurrentToken()
	if err != nil {
		if errors.Is(err, oauth.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrNoAccessToken
	}
	if s.creds.Tier() != oauth.TierAffiliateOrPartner {
		return "", ErrNotAffiliate
	}
	return tok.AccessToken, nil
}

func (s *Service) create(ctx context.Context, options map[int][]string, roundsToWin int, done chan<- error) {
	if s.Busy() {
		s.fail(ctx, opCreate, fmt.Errorf("%w (status %s)", ErrBusy, s.status), done)
		return
	}
	token, err := s.ensureReady()
	if err != nil {
		s.fail(ctx, opCreate, err, done)
		return
	}
	if len(options) < minOutcomes {
		s.fail(ctx, opCreate, ErrTooFewOutcomes, done)
		return
	}
	if len(options) > maxOutcomes {
		s.fail(ctx, opCreate, ErrTooManyOutcomes, done)
		return
	}

	specs, participants := BuildOutcomes(options)
	window := Window(s.window, participants, roundsToWin)
	req := twitchapi.CreatePredictionRequest{
		BroadcasterID:    s.broadcasterID,
		Title:            s.title,
		Outcomes:         make([]twitchapi.OutcomeRequest, len(specs)),
		PredictionWindow: window,
	}
	for i, sp := range specs {
		req.Outcomes[i] = twitchapi.OutcomeRequest{Title: sp.Title}
	}
	s.setStatus(StatusCreating)
	s.notify.Info(fmt.Sprintf("Twitch prediction outcomes count: %d", len(specs)))
	logger := telemetry.LoggerWithCorr(ctx)
	corr := telemetry.GetCorrelation(ctx)

	scheduler.Await(s.loop, detach(ctx), func(ctx context.Context) (*twitchapi.Prediction, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return s.api.CreatePrediction(ctx, token, req)
	}, func(p *twitchapi.Prediction, err error) {
		ev := Event{
			Kind:          EventFailed,
			Op:            opCreate,
			Title:         s.title,
			Outcomes:      specs,
			Window:        window,
			CorrelationID: corr,
			At:            s.clock.Now().UTC(),
		}
		if err != nil {
			s.clear()
			telemetry.IncPredictionOp(opCreate, resultFor(err))
			logger.Error("prediction create failed", slog.Any("err", err))
			s.notify.Error(fmt.Sprintf("Twitch prediction create failed: %v", err))
			ev.Error = err.Error()
			s.publish(ev)
			done <- fmt.Errorf("%w: %w", ErrRemote, err)
			return
		}

		s.id = p.ID
		s.outcomes = specs
		s.outcomeIDs = mapOutcomes(specs, p.Outcomes)
		s.windowSecs = window
		s.createdAt = s.clock.Now().UTC()
		s.setStatus(StatusActive)
		if len(s.outcomeIDs) < len(specs) {
			s.notify.Warn(fmt.Sprintf("Twitch prediction %s: only %d of %d outcomes matched", p.ID, len(s.outcomeIDs), len(specs)))
		}
		telemetry.IncPredictionOp(opCreate, "success")
		logger.Info("prediction created", slog.String("prediction_id", p.ID), slog.Int("window", window), slog.Int("outcomes", len(specs)))
		s.notify.Info(fmt.Sprintf("Twitch prediction created: %s", p.ID))

		ev.Kind = EventCreated
		ev.PredictionID = p.ID
		ev.OutcomeIDs = copyOutcomeIDs(s.outcomeIDs)
		s.publish(ev)
		done <- nil
	})
}

func (s *Service) resolve(ctx context.Context, key int, done chan<- error) {
	if s.status != StatusActive {
		s.fail(ctx, opResolve, s.notActiveErr(), done)
		return
	}
	outcomeID, ok := s.outcomeIDs[key]
	if !ok {
		s.fail(ctx, opResolve, fmt.Errorf("%w: %d", ErrUnknownOption, key), done)
		return
	}
	s.end(ctx, opResolve, twitchapi.StatusResolved, key, outcomeID, done)
}

// end issues the PATCH for resolve or cancel. Success clears the prediction;
// failure puts it back to Active.
func (s *Service) end(ctx context.Context, op, status string, key int, outcomeID string, done chan<- error) {
	if s.status != StatusActive {
		s.fail(ctx, op, s.notActiveErr(), done)
		return
	}
	token, err := s.ensureReady()
	if err != nil {
		s.fail(ctx, op, err, done)
		return
	}

	req := twitchapi.EndPredictionRequest{
		BroadcasterID:    s.broadcasterID,
		ID:               s.id,
		Status:           status,
		WinningOutcomeID: outcomeID,
	}
	if op == opResolve {
		s.setStatus(StatusResolving)
	} else {
		s.setStatus(StatusCanceling)
	}
	logger := telemetry.LoggerWithCorr(ctx)
	ev := Event{
		Op:            op,
		PredictionID:  s.id,
		Title:         s.title,
		Outcomes:      s.outcomes,
		OutcomeIDs:    copyOutcomeIDs(s.outcomeIDs),
		Window:        s.windowSecs,
		CorrelationID: telemetry.GetCorrelation(ctx),
	}
	if op == opResolve {
		ev.WinningOptionKey = &key
		ev.WinningOutcomeID = outcomeID
	}

	scheduler.Await(s.loop, detach(ctx), func(ctx context.Context) (*twitchapi.Prediction, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return s.api.EndPrediction(ctx, token, req)
	}, func(_ *twitchapi.Prediction, err error) {
		ev.At = s.clock.Now().UTC()
		if err != nil {
			s.setStatus(StatusActive)
			telemetry.IncPredictionOp(op, resultFor(err))
			logger.Error("prediction end failed", slog.String("op", op), slog.String("prediction_id", req.ID), slog.Any("err", err))
			s.notify.Error(fmt.Sprintf("Twitch prediction %s failed: %v", op, err))
			ev.Kind = EventFailed
			ev.Error = err.Error()
			s.publish(ev)
			done <- fmt.Errorf("%w: %w", ErrRemote, err)
			return
		}
		s.clear()
		telemetry.IncPredictionOp(op, "success")
		logger.Info("prediction ended", slog.String("op", op), slog.String("prediction_id", req.ID))
		if op == opResolve {
			ev.Kind = EventResolved
			s.notify.Info(fmt.Sprintf("Twitch prediction resolved: %s", req.ID))
		} else {
			ev.Kind = EventCanceled
			s.notify.Info(fmt.Sprintf("Twitch prediction canceled: %s", req.ID))
		}
		s.publish(ev)
		done <- nil
	})
}

func (s *Service) notActiveErr() error {
	if s.status == StatusNone {
		return ErrNoActivePrediction
	}
	return fmt.Errorf("%w (status %s)", ErrBusy, s.status)
}

// publish queues ev for delivery. It never blocks the loop; events arriving
// while the queue is full are dropped.
func (s *Service) publish(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("prediction event queue full; dropping event", slog.String("kind", string(ev.Kind)), slog.String("prediction_id", ev.PredictionID))
	}
}

// deliver hands events to the announcer and recorder one at a time, in the
// order they were published. Once the loop stops, queued events are flushed.
func (s *Service) deliver() {
	for {
		select {
		case ev := <-s.events:
			s.deliverOne(ev)
		case <-s.loop.Done():
			for {
				select {
				case ev := <-s.events:
					s.deliverOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliverOne(ev Event) {
	if s.announcer != nil {
		s.announcer.Announce(ev)
	}
	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.recorder.RecordPredictionEvent(ctx, ev); err != nil {
			s.logger.Warn("record prediction event failed", slog.String("kind", string(ev.Kind)), slog.Any("err", err))
		}
	}
}

func (s *Service) view() View {
	v := View{
		Status:       s.status,
		PredictionID: s.id,
		Window:       s.windowSecs,
	}
	if !s.createdAt.IsZero() {
		t := s.createdAt
		v.CreatedAt = &t
	}
	if s.id != "" {
		v.Title = s.title
	}
	for _, sp := range s.outcomes {
		v.Outcomes = append(v.Outcomes, OutcomeView{OptionKey: sp.OptionKey, Title: sp.Title, OutcomeID: s.outcomeIDs[sp.OptionKey]})
	}
	return v
}

// mapOutcomes matches created outcomes to option keys by exact title. When no
// title matches but the counts agree, outcomes are paired by position (Twitch
// keeps request order).
func mapOutcomes(specs []OutcomeSpec, got []twitchapi.Outcome) map[int]string {
	ids := make(map[int]string, len(specs))
	used := make([]bool, len(got))
	for _, sp := range specs {
		for i, o := range got {
			if !used[i] && o.Title == sp.Title {
				ids[sp.OptionKey] = o.ID
				used[i] = true
				break
			}
		}
	}
	if len(ids) == 0 && len(got) == len(specs) {
		for i, sp := range specs {
			ids[sp.OptionKey] = got[i].ID
		}
	}
	return ids
}

func copyOutcomeIDs(m map[int]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func resultFor(err error) string {
	if twitchapi.Classify(err) == twitchapi.ErrorClassRejected {
		return "rejected"
	}
	return "error"
}

// detach keeps ctx values (correlation id, span) but drops its cancellation.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
