// Package twitchapi talks to the Twitch identity service (device authorization,
// token exchange, validation) and to the Helix endpoints needed for predictions,
// using a broadcaster user access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/twitch-autopoll/telemetry"
)

const (
	DeviceURL      = "https://id.twitch.tv/oauth2/device"
	TokenURL       = "https://id.twitch.tv/oauth2/token"
	ValidateURL    = "https://id.twitch.tv/oauth2/validate"
	UsersURL       = "https://api.twitch.tv/helix/users"
	PredictionsURL = "https://api.twitch.tv/helix/predictions"

	maxBodyBytes = 1 << 20
)

// Client issues requests on behalf of one registered application.
type Client struct {
	ClientID   string
	HTTPClient *http.Client
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// do sends req inside a span, records its duration and returns the status and body.
func (c *Client) do(req *http.Request, endpoint string) (int, []byte, error) {
	ctx, span := telemetry.StartTwitchSpan(req.Context(), endpoint, req.Method)
	defer span.End()

	start := time.Now()
	resp, err := c.http().Do(req.WithContext(ctx))
	telemetry.ObserveTwitchRequest(endpoint, time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		telemetry.RecordError(span, err)
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 400 {
		telemetry.SetSpanSuccess(span)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) postForm(ctx context.Context, endpoint, rawURL string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, endpoint)
}

// helix sends an authenticated Helix request with an optional JSON body.
func (c *Client) helix(ctx context.Context, endpoint, method, rawURL, accessToken string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(req, endpoint)
}

func newAPIError(endpoint string, status int, body []byte) *APIError {
	return &APIError{
		Endpoint:   endpoint,
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:       strings.TrimSpace(string(body)),
	}
}
