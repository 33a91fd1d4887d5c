package twitchapi

import (
	"errors"
	"fmt"
	"strings"
)

// OAuth error codes returned by the token endpoint during the device flow.
const (
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeAccessDenied         = "access_denied"
	CodeExpiredToken         = "expired_token"
)

var knownOAuthCodes = []string{CodeAuthorizationPending, CodeSlowDown, CodeAccessDenied, CodeExpiredToken}

// ErrEmptyPrediction is returned when Helix answers 2xx without a prediction object.
var ErrEmptyPrediction = errors.New("twitch prediction response had no data")

// OAuthError is a non-2xx answer from id.twitch.tv.
type OAuthError struct {
	StatusCode int
	Code       string // error code, may be recovered from the message text
	Message    string
}

func (e *OAuthError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("twitch oauth error %d: %s %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twitch oauth error %d: %s", e.StatusCode, e.Code)
}

// parseOAuthError builds an OAuthError from a token endpoint body. Twitch reports
// device-flow codes either in "error" or only inside "message"
// ({"status":400,"message":"authorization_pending"}).
func parseOAuthError(status int, body []byte, errField, message string) *OAuthError {
	code := strings.TrimSpace(errField)
	if !isKnownOAuthCode(code) {
		text := message + " " + string(body)
		for _, c := range knownOAuthCodes {
			if strings.Contains(text, c) {
				code = c
				break
			}
		}
	}
	return &OAuthError{StatusCode: status, Code: code, Message: message}
}

func isKnownOAuthCode(code string) bool {
	for _, c := range knownOAuthCodes {
		if code == c {
			return true
		}
	}
	return false
}

// APIError is a non-2xx answer from api.twitch.tv (or id.twitch.tv outside the token endpoint).
type APIError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s failed: %s: %s", e.Endpoint, e.Status, e.Body)
}

// ErrorClass represents how a caller should react to a Twitch error.
type ErrorClass int

const (
	// ErrorClassTransient errors are retried on the caller's fixed schedule.
	ErrorClassTransient ErrorClass = iota
	// ErrorClassTerminal errors abort the current device-flow attempt.
	ErrorClassTerminal
	// ErrorClassRejected errors are remote rejections of a request; retrying unchanged won't help.
	ErrorClassRejected
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassTerminal:
		return "terminal"
	case ErrorClassRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Classify maps an error from this package to an ErrorClass.
//
// Terminal: access_denied, expired_token (device code no longer usable).
// Rejected: Helix 4xx other than 429.
// Transient: everything else -- authorization_pending, slow_down, network
// failures, 5xx, 429 and errors that don't come from Twitch at all.
func Classify(err error) ErrorClass {
	var oe *OAuthError
	if errors.As(err, &oe) {
		switch oe.Code {
		case CodeAccessDenied, CodeExpiredToken:
			return ErrorClassTerminal
		}
		return ErrorClassTransient
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if ae.StatusCode >= 400 && ae.StatusCode < 500 && ae.StatusCode != 429 {
			return ErrorClassRejected
		}
		return ErrorClassTransient
	}
	if errors.Is(err, ErrEmptyPrediction) {
		return ErrorClassRejected
	}
	return ErrorClassTransient
}

// OAuthCode returns the device-flow error code carried by err, if any.
func OAuthCode(err error) string {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}
