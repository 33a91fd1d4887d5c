package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/onnwee/twitch-autopoll/db"
	"github.com/onnwee/twitch-autopoll/notify"
	"github.com/onnwee/twitch-autopoll/oauth"
	"github.com/onnwee/twitch-autopoll/prediction"
	"github.com/onnwee/twitch-autopoll/scheduler"
)

// Auth is the credential manager as seen by the control API.
type Auth interface {
	StartAuthorization(ctx context.Context) error
	Snapshot(ctx context.Context) (oauth.Session, error)
}

// Predictions is the prediction service as seen by the control API.
type Predictions interface {
	Create(ctx context.Context, options map[int][]string, roundsToWin int) error
	Resolve(ctx context.Context, winningOptionKey int) error
	Cancel(ctx context.Context) error
	Snapshot(ctx context.Context) (prediction.View, error)
}

// History lists recorded prediction events.
type History interface {
	List(ctx context.Context, limit int) ([]db.EventRecord, error)
}

// Feed is the notification feed polled by the game.
type Feed interface {
	Since(after uint64) []notify.Message
}

// Handlers holds dependencies for all HTTP handlers. History may be nil when
// no database is configured.
type Handlers struct {
	auth        Auth
	predictions Predictions
	history     History
	feed        Feed
	validate    *validator.Validate
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(auth Auth, predictions Predictions, history History, feed Feed) *Handlers {
	return &Handlers{
		auth:        auth,
		predictions: predictions,
		history:     history,
		feed:        feed,
		validate:    validator.New(),
	}
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps core errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, prediction.ErrBusy), errors.Is(err, prediction.ErrNoActivePrediction):
		return http.StatusConflict
	case errors.Is(err, prediction.ErrNotAffiliate):
		return http.StatusPreconditionFailed
	case errors.Is(err, prediction.ErrTooFewOutcomes), errors.Is(err, prediction.ErrTooManyOutcomes), errors.Is(err, prediction.ErrUnknownOption):
		return http.StatusUnprocessableEntity
	case prediction.IsNotAuthorized(err), errors.Is(err, oauth.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, prediction.ErrRemote):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

// decode reads a JSON body into dst and validates it.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request", Fields: validationFields(err)})
		return false
	}
	return true
}

// validationFields turns validator errors into a field -> problem map without
// leaking struct names.
func validationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": "invalid value"}
	}
	out := make(map[string]string, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			out[field] = "this field is required"
		case "numeric":
			out[field] = "must be an integer option key"
		case "min":
			out[field] = "must have at least " + e.Param() + " entries"
		case "max", "lte":
			out[field] = "must be at most " + e.Param()
		case "gte":
			out[field] = "must be at least " + e.Param()
		default:
			out[field] = "invalid value"
		}
	}
	return out
}
