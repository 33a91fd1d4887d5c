package server

import (
	"net/http"
	"strconv"

	"github.com/onnwee/twitch-autopoll/db"
)

type createPredictionRequest struct {
	// Option key (team id) -> participant names.
	Options     map[string][]string `json:"options" validate:"dive,keys,numeric,endkeys,min=1,dive,required"`
	RoundsToWin int                 `json:"rounds_to_win" validate:"gte=0,lte=100"`
}

type resolvePredictionRequest struct {
	WinningOptionKey *int `json:"winning_option_key" validate:"required"`
}

// HandlePredictionCreate opens a prediction for the given option groups.
func (h *Handlers) HandlePredictionCreate(w http.ResponseWriter, r *http.Request) {
	var req createPredictionRequest
	if !h.decode(w, r, &req) {
		return
	}
	options := make(map[int][]string, len(req.Options))
	for k, names := range req.Options {
		key, err := strconv.Atoi(k)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request", Fields: map[string]string{"options": "option keys must be integers"}})
			return
		}
		if _, dup := options[key]; dup {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request", Fields: map[string]string{"options": "option key " + strconv.Itoa(key) + " appears more than once"}})
			return
		}
		options[key] = names
	}

	if err := h.predictions.Create(r.Context(), options, req.RoundsToWin); err != nil {
		writeError(w, err)
		return
	}
	h.writeCurrent(w, r, http.StatusCreated)
}

// HandlePredictionResolve ends the live prediction with the winning option.
func (h *Handlers) HandlePredictionResolve(w http.ResponseWriter, r *http.Request) {
	var req resolvePredictionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.predictions.Resolve(r.Context(), *req.WinningOptionKey); err != nil {
		writeError(w, err)
		return
	}
	h.writeCurrent(w, r, http.StatusOK)
}

// HandlePredictionCancel cancels the live prediction.
func (h *Handlers) HandlePredictionCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.predictions.Cancel(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writeCurrent(w, r, http.StatusOK)
}

// HandlePredictionCurrent returns the prediction slot.
func (h *Handlers) HandlePredictionCurrent(w http.ResponseWriter, r *http.Request) {
	h.writeCurrent(w, r, http.StatusOK)
}

func (h *Handlers) writeCurrent(w http.ResponseWriter, r *http.Request, status int) {
	v, err := h.predictions.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, v)
}

// HandlePredictionHistory lists recorded prediction events, newest first.
func (h *Handlers) HandlePredictionHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "prediction history requires DB_DSN"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := h.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []db.EventRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
