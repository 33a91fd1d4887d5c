package prediction

import (
	"errors"
	"time"
)

// Precondition failures. None of them touches the network or mutates state.
var (
	ErrBusy               = errors.New("prediction: another prediction is in progress")
	ErrNoActivePrediction = errors.New("prediction: no active prediction")
	ErrUnknownOption      = errors.New("prediction: no outcome for option")
	ErrTooFewOutcomes     = errors.New("prediction: at least 2 option groups are required")
	ErrTooManyOutcomes    = errors.New("prediction: at most 10 option groups are allowed")
	ErrNoBroadcasterID    = errors.New("prediction: broadcaster id is not set")
	ErrNoAccessToken      = errors.New("prediction: access token is missing")
	ErrTokenExpired       = errors.New("prediction: access token is expired")
	ErrNotAffiliate       = errors.New("prediction: broadcaster is not affiliate/partner")
)

// ErrRemote wraps a failed Twitch call; the underlying *twitchapi.APIError is
// reachable with errors.As.
var ErrRemote = errors.New("prediction: twitch request failed")

// IsNotAuthorized reports errors caused by missing or unusable credentials.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNoBroadcasterID) || errors.Is(err, ErrNoAccessToken) || errors.Is(err, ErrTokenExpired)
}

const (
	opCreate  = "create"
	opResolve = "resolve"
	opCancel  = "cancel"
)

// Status of the single prediction slot.
type Status int

const (
	StatusNone Status = iota
	StatusCreating
	StatusActive
	StatusResolving
	StatusCanceling
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusCreating:
		return "creating"
	case StatusActive:
		return "active"
	case StatusResolving:
		return "resolving"
	case StatusCanceling:
		return "canceling"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitional reports a REST call in flight.
func (s Status) transitional() bool {
	return s == StatusCreating || s == StatusResolving || s == StatusCanceling
}

// EventKind classifies a terminal prediction outcome.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventResolved EventKind = "resolved"
	EventCanceled EventKind = "canceled"
	EventFailed   EventKind = "failed"
)

// Event is offered to the recorder and announcer after every REST outcome.
type Event struct {
	Kind             EventKind
	Op               string
	PredictionID     string
	Title            string
	Outcomes         []OutcomeSpec
	OutcomeIDs       map[int]string
	Window           int
	WinningOptionKey *int
	WinningOutcomeID string
	Error            string
	CorrelationID    string
	At               time.Time
}

// WinnerTitle returns the outcome title of the winning option, if any.
func (e Event) WinnerTitle() string {
	if e.WinningOptionKey == nil {
		return ""
	}
	for _, o := range e.Outcomes {
		if o.OptionKey == *e.WinningOptionKey {
			return o.Title
		}
	}
	return ""
}

// OutcomeView is one outcome of the live prediction.
type OutcomeView struct {
	OptionKey int    `json:"option_key"`
	Title     string `json:"title"`
	OutcomeID string `json:"outcome_id,omitempty"`
}

// View is a read-only copy of the prediction slot.
type View struct {
	Status       Status        `json:"status"`
	PredictionID string        `json:"prediction_id,omitempty"`
	Title        string        `json:"title,omitempty"`
	Window       int           `json:"prediction_window,omitempty"`
	Outcomes     []OutcomeView `json:"outcomes,omitempty"`
	CreatedAt    *time.Time    `json:"created_at,omitempty"`
}
