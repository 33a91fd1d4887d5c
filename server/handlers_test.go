package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/onnwee/twitch-autopoll/db"
	"github.com/onnwee/twitch-autopoll/notify"
	"github.com/onnwee/twitch-autopoll/oauth"
	"github.com/onnwee/twitch-autopoll/prediction"
	"github.com/onnwee/twitch-autopoll/scheduler"
	"github.com/onnwee/twitch-autopoll/twitchapi"
)

type fakeAuth struct {
	mu      sync.Mutex
	session oauth.Session
	starts  int
	err     error
}

func (f *fakeAuth) StartAuthorization(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.err == nil {
		f.session.State = oauth.StateCodeRequested
	}
	return f.err
}

func (f *fakeAuth) Snapshot(ctx context.Context) (oauth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.err
}

type fakePredictions struct {
	mu          sync.Mutex
	view        prediction.View
	err         error
	gotOptions  map[int][]string
	gotRounds   int
	gotResolve  *int
	cancelCalls int
}

func (f *fakePredictions) Create(ctx context.Context, options map[int][]string, roundsToWin int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotOptions, f.gotRounds = options, roundsToWin
	if f.err == nil {
		f.view = prediction.View{Status: prediction.StatusActive, PredictionID: "pred-1"}
	}
	return f.err
}

func (f *fakePredictions) Resolve(ctx context.Context, key int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotResolve = &key
	return f.err
}

func (f *fakePredictions) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.err
}

func (f *fakePredictions) Snapshot(ctx context.Context) (prediction.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view, nil
}

type fakeHistory struct {
	events   []db.EventRecord
	gotLimit int
}

func (f *fakeHistory) List(ctx context.Context, limit int) ([]db.EventRecord, error) {
	f.gotLimit = limit
	return f.events, nil
}

type testEnv struct {
	auth  *fakeAuth
	preds *fakePredictions
	hist  *fakeHistory
	feed  *notify.Feed
	h     http.Handler
}

func newEnv(token string, withHistory bool) *testEnv {
	e := &testEnv{
		auth:  &fakeAuth{},
		preds: &fakePredictions{},
		feed:  notify.NewFeed(10, nil),
	}
	var hist History
	if withHistory {
		e.hist = &fakeHistory{}
		hist = e.hist
	}
	e.h = NewRouter(NewHandlers(e.auth, e.preds, hist, e.feed), token)
	return e
}

func (e *testEnv) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func TestHealthz(t *testing.T) {
	e := newEnv("secret", false)
	rr := e.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestReadyz(t *testing.T) {
	e := newEnv("", false)

	rr := e.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "credentials", body["failed_check"])
	assert.Equal(t, "idle", body["state"])

	e.auth.session = oauth.Session{State: oauth.StateAuthorized, Authorized: true, Tier: oauth.TierAffiliateOrPartner}
	rr = e.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	e.auth.err = scheduler.ErrStopped
	rr = e.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "scheduler", decodeBody(t, rr)["failed_check"])
}

func TestControlAuth(t *testing.T) {
	e := newEnv("secret", false)

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{headerControlToken, "nope"}, http.StatusUnauthorized},
		{"header", []string{headerControlToken, "secret"}, http.StatusOK},
		{"bearer", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"basic is not accepted", []string{"Authorization", "Basic c2VjcmV0"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(http.MethodGet, "/predictions/current", "", tt.headers...)
			assert.Equal(t, tt.want, rr.Code)
		})
	}

	// Probes stay open.
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/metrics", "").Code)
}

func TestCorrelationHeader(t *testing.T) {
	e := newEnv("", false)

	rr := e.do(http.MethodGet, "/healthz", "", headerCorrelation, "corr-123")
	assert.Equal(t, "corr-123", rr.Header().Get(headerCorrelation))

	rr = e.do(http.MethodGet, "/healthz", "")
	assert.Len(t, rr.Header().Get(headerCorrelation), 36)
}

func TestAuthStartAndStatus(t *testing.T) {
	e := newEnv("", false)

	rr := e.do(http.MethodPost, "/auth/twitch/start", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, e.auth.starts)
	assert.Equal(t, "code_requested", decodeBody(t, rr)["state"])

	exp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e.auth.session = oauth.Session{
		State:            oauth.StateAuthorized,
		Token:            oauth2.Token{AccessToken: "abcdefghijklmnop", RefreshToken: "never-shown", Expiry: exp},
		BroadcasterID:    "1234",
		BroadcasterLogin: "streamer",
		BroadcasterType:  "affiliate",
		Tier:             oauth.TierAffiliateOrPartner,
		Authorized:       true,
	}
	rr = e.do(http.MethodGet, "/auth/twitch/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "abcdefghijklmnop")
	assert.NotContains(t, rr.Body.String(), "never-shown")
	body := decodeBody(t, rr)
	assert.Equal(t, "abcd********", body["access_token"])
	assert.Equal(t, "affiliate_or_partner", body["tier"])
	assert.Equal(t, true, body["authorized"])
	assert.Equal(t, "2026-05-01T12:00:00Z", body["expires_at"])
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", maskToken(""))
	assert.Equal(t, "*****", maskToken("short"))
	assert.Equal(t, "********", maskToken("access-1"))
	assert.Equal(t, "acce********", maskToken("access-token-1"))
	assert.Equal(t, "abcd********", maskToken("abcdefghij"))
}

func TestPredictionCreate(t *testing.T) {
	e := newEnv("", false)

	rr := e.do(http.MethodPost, "/predictions", `{"options":{"1":["alice","bob"],"2":["carol"]},"rounds_to_win":3}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, map[int][]string{1: {"alice", "bob"}, 2: {"carol"}}, e.preds.gotOptions)
	assert.Equal(t, 3, e.preds.gotRounds)
	body := decodeBody(t, rr)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "pred-1", body["prediction_id"])
}

func TestPredictionCreate_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"options":{"1":["a"],"2":["b"]},"teams":1}`},
		{"non-numeric key", `{"options":{"red":["a"],"2":["b"]}}`},
		{"fractional key", `{"options":{"1.5":["a"],"2":["b"]}}`},
		{"keys naming the same team", `{"options":{"1":["a"],"01":["b"]}}`},
		{"signed duplicate key", `{"options":{"2":["a"],"+2":["b"],"3":["c"]}}`},
		{"empty group", `{"options":{"1":[],"2":["b"]}}`},
		{"empty name", `{"options":{"1":[""],"2":["b"]}}`},
		{"negative rounds", `{"options":{"1":["a"],"2":["b"]},"rounds_to_win":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv("", false)
			rr := e.do(http.MethodPost, "/predictions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Nil(t, e.preds.gotOptions, "service must not be called")
		})
	}
}

func TestPredictionErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{prediction.ErrBusy, http.StatusConflict},
		{prediction.ErrNoActivePrediction, http.StatusConflict},
		{prediction.ErrNotAffiliate, http.StatusPreconditionFailed},
		{prediction.ErrTooFewOutcomes, http.StatusUnprocessableEntity},
		{prediction.ErrTooManyOutcomes, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: 7", prediction.ErrUnknownOption), http.StatusUnprocessableEntity},
		{prediction.ErrNoAccessToken, http.StatusForbidden},
		{prediction.ErrNoBroadcasterID, http.StatusForbidden},
		{prediction.ErrTokenExpired, http.StatusForbidden},
		{fmt.Errorf("%w: %w", prediction.ErrRemote, &twitchapi.APIError{StatusCode: 400}), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{scheduler.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			e := newEnv("", false)
			e.preds.err = tt.err
			rr := e.do(http.MethodPost, "/predictions", `{"options":{"1":["a"],"2":["b"]}}`)
			assert.Equal(t, tt.want, rr.Code)
			assert.Equal(t, tt.err.Error(), decodeBody(t, rr)["error"])
		})
	}
}

func TestPredictionResolveAndCancel(t *testing.T) {
	e := newEnv("", false)

	rr := e.do(http.MethodPost, "/predictions/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Nil(t, e.preds.gotResolve)

	rr = e.do(http.MethodPost, "/predictions/resolve", `{"winning_option_key":0}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotNil(t, e.preds.gotResolve)
	assert.Equal(t, 0, *e.preds.gotResolve)

	rr = e.do(http.MethodPost, "/predictions/cancel", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, e.preds.cancelCalls)

	e.preds.err = prediction.ErrNoActivePrediction
	rr = e.do(http.MethodPost, "/predictions/cancel", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestPredictionHistory(t *testing.T) {
	e := newEnv("", false)
	assert.Equal(t, http.StatusNotImplemented, e.do(http.MethodGet, "/predictions/history", "").Code)

	e = newEnv("", true)
	rr := e.do(http.MethodGet, "/predictions/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"events":[]}`, rr.Body.String())

	e.hist.events = []db.EventRecord{{ID: 7, Kind: prediction.EventCanceled, Op: "cancel", PredictionID: "p"}}
	rr = e.do(http.MethodGet, "/predictions/history?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, e.hist.gotLimit)
	events := decodeBody(t, rr)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "canceled", events[0].(map[string]any)["kind"])

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/predictions/history?limit=x", "").Code)
}

func TestMessages(t *testing.T) {
	e := newEnv("", false)
	e.feed.Info("one")
	e.feed.Warn("two")
	e.feed.Error("three")

	rr := e.do(http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Len(t, body["messages"], 3)
	assert.Equal(t, float64(3), body["last_seq"])

	rr = e.do(http.MethodGet, "/messages?after=2", "")
	body = decodeBody(t, rr)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "three", msgs[0].(map[string]any)["text"])
	assert.Equal(t, "error", msgs[0].(map[string]any)["level"])

	rr = e.do(http.MethodGet, "/messages?after=3", "")
	body = decodeBody(t, rr)
	assert.Empty(t, body["messages"])
	assert.Equal(t, float64(3), body["last_seq"])

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/messages?after=-1", "").Code)
}
