package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/twitch-autopoll/twitchapi"
)

// MockTwitchServer is a scripted stand-in for id.twitch.tv and api.twitch.tv.
// Handlers are replaceable through Handle; the defaults walk a device
// flow to an affiliate account and echo predictions back.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu           sync.Mutex
	requests     map[string]int
	pendingPolls int
	predictions  int
	lastBodies   map[string][]byte
}

// Paths handled by the mock.
const (
	PathDevice      = "/oauth2/device"
	PathToken       = "/oauth2/token"
	PathValidate    = "/oauth2/validate"
	PathUsers       = "/helix/users"
	PathPredictions = "/helix/predictions"
)

// NewMockTwitchServer creates a new mock Twitch server with default handlers.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers:   make(map[string]http.HandlerFunc),
		requests:   make(map[string]int),
		lastBodies: make(map[string][]byte),
	}
	m.MockDeviceCode("dev-code", "ABCD-EFGH")
	m.MockTokenResponse("access-token-1", "refresh-token-1", 14400)
	m.MockValidate("1234", "streamer")
	m.MockUserResponse("affiliate")
	m.MockPredictions()

	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns a twitchapi client whose requests all land on the mock.
func (m *MockTwitchServer) Client() *twitchapi.Client {
	return &twitchapi.Client{
		ClientID:   "test-client-id",
		HTTPClient: &http.Client{Transport: &RewriteTransport{Transport: http.DefaultTransport, Host: m.URL}},
	}
}

// Requests reports how many requests hit "METHOD /path".
func (m *MockTwitchServer) Requests(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[key]
}

// LastBody returns the last JSON body posted to path.
func (m *MockTwitchServer) LastBody(path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBodies[path]
}

// SetPendingPolls makes the token endpoint answer authorization_pending n
// times before issuing the token.
func (m *MockTwitchServer) SetPendingPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingPolls = n
}

// Handle replaces the handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// MockDeviceCode answers the device authorization request.
func (m *MockTwitchServer) MockDeviceCode(deviceCode, userCode string) {
	m.Handle(PathDevice, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"device_code":      deviceCode,
			"user_code":        userCode,
			"verification_uri": "https://www.twitch.tv/activate?device-code=" + userCode,
			"expires_in":       1800,
			"interval":         5,
		})
	})
}

// MockTokenResponse answers device-code polls (after any scripted pending
// answers) and refresh requests with the given tokens.
func (m *MockTwitchServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle(PathToken, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") == twitchapi.DeviceGrantType {
			m.mu.Lock()
			pending := m.pendingPolls > 0
			if pending {
				m.pendingPolls--
			}
			m.mu.Unlock()
			if pending {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "authorization_pending"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"channel:read:predictions", "channel:manage:predictions"},
			"token_type":    "bearer",
		})
	})
}

// MockValidate answers token validation.
func (m *MockTwitchServer) MockValidate(userID, login string) {
	m.Handle(PathValidate, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") && !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "missing authorization token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"client_id":  "test-client-id",
			"login":      login,
			"scopes":     []string{"channel:read:predictions", "channel:manage:predictions"},
			"user_id":    userID,
			"expires_in": 14400,
		})
	})
}

// MockUserResponse answers /helix/users with broadcasterType ("", "affiliate"
// or "partner").
func (m *MockTwitchServer) MockUserResponse(broadcasterType string) {
	m.Handle(PathUsers, func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{
				{"id": id, "login": "streamer", "broadcaster_type": broadcasterType},
			},
		})
	})
}

// MockPredictions echoes created predictions with generated outcome ids and
// acknowledges PATCH requests.
func (m *MockTwitchServer) MockPredictions() {
	m.Handle(PathPredictions, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": err.Error()})
			return
		}
		raw, _ := json.Marshal(body)
		m.mu.Lock()
		m.lastBodies[PathPredictions] = raw
		m.mu.Unlock()

		switch r.Method {
		case http.MethodPost:
			m.mu.Lock()
			m.predictions++
			id := fmt.Sprintf("pred-%d", m.predictions)
			m.mu.Unlock()
			var outcomes []map[string]any
			list, _ := body["outcomes"].([]any)
			for i, o := range list {
				title, _ := o.(map[string]any)["title"].(string)
				outcomes = append(outcomes, map[string]any{"id": fmt.Sprintf("%s-o%d", id, i+1), "title": title, "color": "BLUE"})
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{
				"id":                id,
				"broadcaster_id":    body["broadcaster_id"],
				"title":             body["title"],
				"outcomes":          outcomes,
				"prediction_window": body["prediction_window"],
				"status":            "ACTIVE",
			}}})
		case http.MethodPatch:
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{
				"id":                 body["id"],
				"broadcaster_id":     body["broadcaster_id"],
				"status":             body["status"],
				"winning_outcome_id": body["winning_outcome_id"],
			}}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// RewriteTransport sends every request to Host, keeping path and query.
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(strings.TrimPrefix(t.Host, "http://"), "https://")
	return t.Transport.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
