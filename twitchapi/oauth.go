package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/twitch-autopoll/telemetry"
)

// DeviceGrantType is the grant used while polling for a device-flow token.
const DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// TokenResult is a successful answer from the token endpoint.
type TokenResult struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// Token converts the result to an oauth2.Token whose expiry is relative to now.
func (r *TokenResult) Token(now time.Time) *oauth2.Token {
	tt := r.TokenType
	if tt == "" {
		tt = "bearer"
	}
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    tt,
		Expiry:       ComputeExpiry(now, r.ExpiresIn),
	}
}

// ValidateResult is the body of GET /oauth2/validate.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(60 * time.Minute)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

// RequestDeviceCode starts a device authorization for the given space-separated scopes.
func (c *Client) RequestDeviceCode(ctx context.Context, scopes string) (*oauth2.DeviceAuthResponse, error) {
	if c.ClientID == "" {
		return nil, errors.New("missing clientID")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scopes", scopes)
	status, body, err := c.postForm(ctx, "device", DeviceURL, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newAPIError("device", status, body)
	}
	var da oauth2.DeviceAuthResponse
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("decode device response: %w", err)
	}
	if da.DeviceCode == "" || da.VerificationURI == "" {
		return nil, errors.New("device response missing device_code or verification_uri")
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	return &da, nil
}

// PollDeviceToken asks once whether the operator has approved deviceCode. Until they
// do, Twitch answers with an *OAuthError carrying CodeAuthorizationPending.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode, scopes string) (*TokenResult, error) {
	if deviceCode == "" {
		return nil, errors.New("device code empty")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("scopes", scopes)
	form.Set("grant_type", DeviceGrantType)
	status, body, err := c.postForm(ctx, "token", TokenURL, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, decodeOAuthError(status, body)
	}
	var res TokenResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &res, nil
}

// RefreshToken exchanges a refresh token for a new access token. Public device-flow
// clients have no secret, so only client_id travels with the grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token empty")
	}
	ctx, span := telemetry.StartTwitchSpan(ctx, "refresh", http.MethodPost)
	defer span.End()

	conf := &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http())

	start := time.Now()
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	telemetry.ObserveTwitchRequest("refresh", time.Since(start))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			err = decodeOAuthError(re.Response.StatusCode, re.Body)
		}
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)

	res := &TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn(tok),
	}
	if raw, ok := tok.Extra("scope").([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				res.Scope = append(res.Scope, str)
			}
		}
	}
	return res, nil
}

// expiresIn recovers the wire lifetime; the library already converted it to an absolute time.
func expiresIn(tok *oauth2.Token) int {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return int(time.Until(tok.Expiry).Round(time.Second) / time.Second)
}

// Validate checks an access token and returns the identity it belongs to.
func (c *Client) Validate(ctx context.Context, accessToken string) (*ValidateResult, error) {
	if accessToken == "" {
		return nil, errors.New("access token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ValidateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	status, body, err := c.do(req, "validate")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newAPIError("validate", status, body)
	}
	var res ValidateResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &res, nil
}

func decodeOAuthError(status int, body []byte) *OAuthError {
	var e struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &e)
	msg := e.Message
	if msg == "" {
		msg = e.Description
	}
	return parseOAuthError(status, body, e.Error, msg)
}
