package twitchapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetBroadcasterType(t *testing.T) {
	tests := []struct {
		response    any
		name        string
		userID      string
		want        string
		errContains string
		statusCode  int
		wantErr     bool
	}{
		{
			name:   "affiliate",
			userID: "12345",
			response: map[string]any{
				"data": []map[string]string{{"id": "12345", "login": "streamer", "broadcaster_type": "affiliate"}},
			},
			statusCode: http.StatusOK,
			want:       "affiliate",
		},
		{
			name:   "standard account",
			userID: "12345",
			response: map[string]any{
				"data": []map[string]string{{"id": "12345", "login": "streamer", "broadcaster_type": ""}},
			},
			statusCode: http.StatusOK,
			want:       "",
		},
		{
			name:   "field missing",
			userID: "12345",
			response: map[string]any{
				"data": []map[string]string{{"id": "12345", "login": "streamer"}},
			},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "missing broadcaster_type",
		},
		{
			name:        "user not found",
			userID:      "999",
			response:    map[string]any{"data": []map[string]string{}},
			statusCode:  http.StatusOK,
			wantErr:     true,
			errContains: "user not found",
		},
		{
			name:        "unauthorized",
			userID:      "12345",
			response:    map[string]any{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"},
			statusCode:  http.StatusUnauthorized,
			wantErr:     true,
			errContains: "401",
		},
		{
			name:        "empty user id",
			userID:      "",
			wantErr:     true,
			errContains: "userID empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("missing or wrong Authorization header")
				}
				if got := r.URL.Query().Get("id"); got != tt.userID {
					t.Errorf("id query param = %s, want %s", got, tt.userID)
				}
				writeJSON(w, tt.statusCode, tt.response)
			}))
			defer server.Close()

			got, err := newTestClient(server).GetBroadcasterType(context.Background(), "test-token", tt.userID)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetBroadcasterType() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("GetBroadcasterType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_CreatePrediction(t *testing.T) {
	var got CreatePredictionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/helix/predictions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-client-id", r.Header.Get("Client-Id"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{{
				"id":                "pred-1",
				"broadcaster_id":    got.BroadcasterID,
				"title":             got.Title,
				"prediction_window": got.PredictionWindow,
				"status":            "ACTIVE",
				"outcomes": []map[string]string{
					{"id": "o-1", "title": got.Outcomes[0].Title, "color": "BLUE"},
					{"id": "o-2", "title": got.Outcomes[1].Title, "color": "PINK"},
				},
			}},
		})
	}))
	defer server.Close()

	req := CreatePredictionRequest{
		BroadcasterID:    "141981764",
		Title:            "STRAFTAT Match Winner",
		Outcomes:         []OutcomeRequest{{Title: "alice"}, {Title: "bob"}},
		PredictionWindow: 120,
	}
	p, err := newTestClient(server).CreatePrediction(context.Background(), "test-token", req)
	require.NoError(t, err)
	assert.Equal(t, req, got)
	assert.Equal(t, "pred-1", p.ID)
	require.Len(t, p.Outcomes, 2)
	assert.Equal(t, "o-2", p.Outcomes[1].ID)
	assert.Equal(t, "bob", p.Outcomes[1].Title)
}

func TestClient_CreatePrediction_Errors(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Bad Request", "status": 400, "message": "prediction already active"})
		}))
		defer server.Close()

		_, err := newTestClient(server).CreatePrediction(context.Background(), "t", CreatePredictionRequest{})
		var ae *APIError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "predictions.create", ae.Endpoint)
		assert.Contains(t, ae.Body, "prediction already active")
		assert.Equal(t, ErrorClassRejected, Classify(err))
	})

	t.Run("empty data", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
		}))
		defer server.Close()

		_, err := newTestClient(server).CreatePrediction(context.Background(), "t", CreatePredictionRequest{})
		assert.ErrorIs(t, err, ErrEmptyPrediction)
	})
}

func TestClient_EndPrediction(t *testing.T) {
	tests := []struct {
		name    string
		req     EndPredictionRequest
		wantRaw string
	}{
		{
			name:    "resolve carries winner",
			req:     EndPredictionRequest{BroadcasterID: "b", ID: "pred-1", Status: StatusResolved, WinningOutcomeID: "o-1"},
			wantRaw: `"winning_outcome_id":"o-1"`,
		},
		{
			name: "cancel omits winner",
			req:  EndPredictionRequest{BroadcasterID: "b", ID: "pred-1", Status: StatusCanceled},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPatch, r.Method)
				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				raw = string(body)
				writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": "pred-1", "status": tt.req.Status}}})
			}))
			defer server.Close()

			p, err := newTestClient(server).EndPrediction(context.Background(), "t", tt.req)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.req.Status, p.Status)
			assert.Contains(t, raw, `"status":"`+tt.req.Status+`"`)
			if tt.wantRaw != "" {
				assert.Contains(t, raw, tt.wantRaw)
			} else {
				assert.NotContains(t, raw, "winning_outcome_id")
			}
		})
	}
}

func TestClient_EndPrediction_NoContentAndFailure(t *testing.T) {
	status := http.StatusNoContent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	c := newTestClient(server)

	p, err := c.EndPrediction(context.Background(), "t", EndPredictionRequest{ID: "x", Status: StatusCanceled})
	require.NoError(t, err)
	assert.Nil(t, p)

	status = http.StatusInternalServerError
	_, err = c.EndPrediction(context.Background(), "t", EndPredictionRequest{ID: "x", Status: StatusCanceled})
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.StatusCode)
	assert.Equal(t, ErrorClassTransient, Classify(err))
}

// rewriteTransport sends every request to the test server, keeping path and query.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
