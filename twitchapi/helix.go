package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Prediction end states accepted by PATCH /helix/predictions.
const (
	StatusResolved = "RESOLVED"
	StatusCanceled = "CANCELED"
	StatusLocked   = "LOCKED"
)

// OutcomeRequest is one outcome in a create request.
type OutcomeRequest struct {
	Title string `json:"title"`
}

// CreatePredictionRequest is the body of POST /helix/predictions.
type CreatePredictionRequest struct {
	BroadcasterID    string           `json:"broadcaster_id"`
	Title            string           `json:"title"`
	Outcomes         []OutcomeRequest `json:"outcomes"`
	PredictionWindow int              `json:"prediction_window"`
}

// EndPredictionRequest is the body of PATCH /helix/predictions.
type EndPredictionRequest struct {
	BroadcasterID    string `json:"broadcaster_id"`
	ID               string `json:"id"`
	Status           string `json:"status"`
	WinningOutcomeID string `json:"winning_outcome_id,omitempty"`
}

// Outcome is a platform outcome with its assigned id.
type Outcome struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Color string `json:"color,omitempty"`
}

// Prediction is the subset of the Helix prediction object this service uses.
type Prediction struct {
	ID               string    `json:"id"`
	BroadcasterID    string    `json:"broadcaster_id"`
	Title            string    `json:"title"`
	WinningOutcomeID string    `json:"winning_outcome_id"`
	Outcomes         []Outcome `json:"outcomes"`
	PredictionWindow int       `json:"prediction_window"`
	Status           string    `json:"status"`
}

type predictionEnvelope struct {
	Data []Prediction `json:"data"`
}

// GetBroadcasterType returns the broadcaster_type of userID ("" for standard
// accounts, "affiliate" or "partner" otherwise).
func (c *Client) GetBroadcasterType(ctx context.Context, accessToken, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("userID empty")
	}
	status, body, err := c.helix(ctx, "users", http.MethodGet, UsersURL+"?"+url.Values{"id": {userID}}.Encode(), accessToken, nil)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", newAPIError("users", status, body)
	}
	var res struct {
		Data []struct {
			ID              string  `json:"id"`
			Login           string  `json:"login"`
			BroadcasterType *string `json:"broadcaster_type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("decode users response: %w", err)
	}
	if len(res.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	if res.Data[0].BroadcasterType == nil {
		return "", errors.New("users response missing broadcaster_type")
	}
	return *res.Data[0].BroadcasterType, nil
}

// CreatePrediction opens a prediction and returns it with platform outcome ids.
func (c *Client) CreatePrediction(ctx context.Context, accessToken string, in CreatePredictionRequest) (*Prediction, error) {
	status, body, err := c.helix(ctx, "predictions.create", http.MethodPost, PredictionsURL, accessToken, in)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, newAPIError("predictions.create", status, body)
	}
	return decodePrediction(body)
}

// EndPrediction resolves, cancels or locks a prediction.
func (c *Client) EndPrediction(ctx context.Context, accessToken string, in EndPredictionRequest) (*Prediction, error) {
	status, body, err := c.helix(ctx, "predictions.end", http.MethodPatch, PredictionsURL, accessToken, in)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, newAPIError("predictions.end", status, body)
	}
	if len(body) == 0 {
		return nil, nil
	}
	p, err := decodePrediction(body)
	if errors.Is(err, ErrEmptyPrediction) {
		return nil, nil
	}
	return p, err
}

func decodePrediction(body []byte) (*Prediction, error) {
	var env predictionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode prediction response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, ErrEmptyPrediction
	}
	return &env.Data[0], nil
}
