// Package claude provides authentication and token management functionality
// for Anthropic's Claude AI services. It covers PKCE generation, the OAuth2
// token exchange, static API key validation and the typed failures they return.
package claude

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType classifies an AuthenticationError.
type ErrorType string

const (
	TypeRandomSourceUnavailable ErrorType = "random_source_unavailable"
	TypeTokenExchangeRejected   ErrorType = "token_exchange_rejected"
	TypeInvalidAPIKey           ErrorType = "invalid_api_key"
	TypeRateLimited             ErrorType = "rate_limited"
	TypeNetworkUnavailable      ErrorType = "network_unavailable"
	TypeValidationUnavailable   ErrorType = "validation_unavailable"
	TypeProtocolViolation       ErrorType = "protocol_violation"
	TypeStorage                 ErrorType = "storage_error"
	TypeNotAuthenticated        ErrorType = "not_authenticated"
	TypeCancelled               ErrorType = "cancelled"
	TypeInvalidState            ErrorType = "invalid_state"
	TypeStateExpired            ErrorType = "state_expired"
	TypeCallbackTimeout         ErrorType = "callback_timeout"
	TypeServerStartFailed       ErrorType = "server_start_failed"
	TypePortInUse               ErrorType = "port_in_use"
)

// OAuthError represents an OAuth-specific error body returned by the token endpoint.
type OAuthError struct {
	// Code is the OAuth error code.
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// URI is a URI identifying a human-readable web page with information about the error.
	URI string `json:"error_uri,omitempty"`
	// StatusCode is the HTTP status code associated with the error.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// NewOAuthError creates a new OAuth error with the specified code, description, and status code.
func NewOAuthError(code, description string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// AuthenticationError is the single typed failure returned by this package and
// by the credential manager built on top of it.
type AuthenticationError struct {
	// Type is the failure class.
	Type ErrorType `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the error, when one exists.
	Code int `json:"code"`
	// ProviderMessage is the provider's own explanation for a rejected request.
	ProviderMessage string `json:"provider_message,omitempty"`
	// RetryAfter is the server hinted delay for rate limited requests.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// Cause is the underlying error that caused this authentication error.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Code)
	}
	if e.ProviderMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.ProviderMessage)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Is matches any AuthenticationError of the same Type, so the package
// sentinels work with errors.Is regardless of status or cause.
func (e *AuthenticationError) Is(target error) bool {
	t, ok := target.(*AuthenticationError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Retryable reports whether the failure is transient.
func (e *AuthenticationError) Retryable() bool {
	switch e.Type {
	case TypeNetworkUnavailable, TypeValidationUnavailable, TypeRateLimited:
		return true
	case TypeTokenExchangeRejected:
		return e.Code >= http.StatusInternalServerError
	default:
		return false
	}
}

// UserActionable reports whether the user must act (log in again, fix the key).
func (e *AuthenticationError) UserActionable() bool {
	switch e.Type {
	case TypeInvalidAPIKey, TypeNotAuthenticated, TypeInvalidState, TypeStateExpired:
		return true
	case TypeTokenExchangeRejected:
		return e.Code < http.StatusInternalServerError
	default:
		return false
	}
}

// Sentinels for errors.Is matching.
var (
	ErrRandomSourceUnavailable = &AuthenticationError{
		Type:    TypeRandomSourceUnavailable,
		Message: "secure random source is unavailable",
	}

	ErrTokenExchangeRejected = &AuthenticationError{
		Type:    TypeTokenExchangeRejected,
		Message: "token endpoint rejected the request",
	}

	ErrInvalidAPIKey = &AuthenticationError{
		Type:    TypeInvalidAPIKey,
		Message: "API key was rejected",
		Code:    http.StatusUnauthorized,
	}

	ErrRateLimited = &AuthenticationError{
		Type:    TypeRateLimited,
		Message: "request was rate limited",
		Code:    http.StatusTooManyRequests,
	}

	ErrNetworkUnavailable = &AuthenticationError{
		Type:    TypeNetworkUnavailable,
		Message: "token endpoint is unreachable",
	}

	ErrValidationUnavailable = &AuthenticationError{
		Type:    TypeValidationUnavailable,
		Message: "API key could not be validated right now",
	}

	ErrProtocolViolation = &AuthenticationError{
		Type:    TypeProtocolViolation,
		Message: "provider returned an unexpected response",
	}

	ErrStorage = &AuthenticationError{
		Type:    TypeStorage,
		Message: "credential could not be persisted",
	}

	ErrNotAuthenticated = &AuthenticationError{
		Type:    TypeNotAuthenticated,
		Message: "no credential available, run the authorization flow",
		Code:    http.StatusUnauthorized,
	}

	ErrCancelled = &AuthenticationError{
		Type:    TypeCancelled,
		Message: "operation was cancelled",
	}

	// ErrInvalidState represents an error for invalid OAuth state parameter.
	ErrInvalidState = &AuthenticationError{
		Type:    TypeInvalidState,
		Message: "OAuth state parameter is invalid",
		Code:    http.StatusBadRequest,
	}

	ErrStateExpired = &AuthenticationError{
		Type:    TypeStateExpired,
		Message: "authorization attempt has expired",
		Code:    http.StatusBadRequest,
	}

	// ErrServerStartFailed represents an error when starting the OAuth callback server fails.
	ErrServerStartFailed = &AuthenticationError{
		Type:    TypeServerStartFailed,
		Message: "Failed to start OAuth callback server",
		Code:    http.StatusInternalServerError,
	}

	// ErrPortInUse represents an error when the OAuth callback port is already in use.
	ErrPortInUse = &AuthenticationError{
		Type:    TypePortInUse,
		Message: "OAuth callback port is already in use",
		Code:    13, // Special exit code for port-in-use
	}

	// ErrCallbackTimeout represents an error when waiting for OAuth callback times out.
	ErrCallbackTimeout = &AuthenticationError{
		Type:    TypeCallbackTimeout,
		Message: "Timeout waiting for OAuth callback",
		Code:    http.StatusRequestTimeout,
	}
)

// NewAuthenticationError creates a new authentication error with a cause based on a base error.
func NewAuthenticationError(baseErr *AuthenticationError, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    baseErr.Type,
		Message: baseErr.Message,
		Code:    baseErr.Code,
		Cause:   cause,
	}
}

// NewTokenExchangeRejected builds the failure for a non-2xx token endpoint reply.
func NewTokenExchangeRejected(statusCode int, providerMessage string, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:            TypeTokenExchangeRejected,
		Message:         ErrTokenExchangeRejected.Message,
		Code:            statusCode,
		ProviderMessage: providerMessage,
		Cause:           cause,
	}
}

// NewRateLimited builds the failure for a 429 reply carrying a retry hint.
func NewRateLimited(retryAfter time.Duration) *AuthenticationError {
	return &AuthenticationError{
		Type:       TypeRateLimited,
		Message:    ErrRateLimited.Message,
		Code:       http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewStorageError wraps a persistence failure.
func NewStorageError(op, path string, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    TypeStorage,
		Message: fmt.Sprintf("%s %s failed", op, path),
		Cause:   cause,
	}
}

// AsAuthenticationError extracts the typed failure from err.
func AsAuthenticationError(err error) (*AuthenticationError, bool) {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// IsAuthenticationError checks if an error is an authentication error.
func IsAuthenticationError(err error) bool {
	_, ok := AsAuthenticationError(err)
	return ok
}

// IsOAuthError checks if an error is an OAuth error.
func IsOAuthError(err error) bool {
	var oAuthError *OAuthError
	ok := errors.As(err, &oAuthError)
	return ok
}

// IsRetryable reports whether err is a transient authentication failure.
func IsRetryable(err error) bool {
	authErr, ok := AsAuthenticationError(err)
	return ok && authErr.Retryable()
}

// GetUserFriendlyMessage returns a user-friendly error message based on the error type.
func GetUserFriendlyMessage(err error) string {
	if authErr, ok := AsAuthenticationError(err); ok {
		switch authErr.Type {
		case TypeNotAuthenticated:
			return "Please log in to continue."
		case TypeTokenExchangeRejected:
			var oauthErr *OAuthError
			if errors.As(authErr, &oauthErr) && oauthErr.Code == "invalid_grant" {
				return "The authorization code or refresh token is no longer valid. Please log in again."
			}
			if authErr.Code >= http.StatusInternalServerError {
				return "Authentication server error. Please try again later."
			}
			return "The authorization was rejected. Please log in again."
		case TypeInvalidAPIKey:
			return "The API key was rejected. Please check the key and enter it again."
		case TypeRateLimited:
			if authErr.RetryAfter > 0 {
				return fmt.Sprintf("Too many requests. Please retry in %s.", authErr.RetryAfter.Round(time.Second))
			}
			return "Too many requests. Please retry shortly."
		case TypeNetworkUnavailable, TypeValidationUnavailable:
			return "The service could not be reached. Check your network connection and try again."
		case TypeProtocolViolation:
			return "The provider returned an unexpected response. Please update the tool or report the issue."
		case TypeStorage:
			return "Your credentials work for now but could not be saved; you will need to log in again after restarting."
		case TypeCancelled:
			return "Authentication was cancelled."
		case TypeInvalidState, TypeStateExpired:
			return "This login attempt is no longer valid. Please start the login again."
		case TypeRandomSourceUnavailable:
			return "The system random number generator is unavailable."
		case TypePortInUse:
			return "The required port is already in use. Please close any applications using the callback port and try again."
		case TypeCallbackTimeout:
			return "Authentication timed out. Please try again."
		default:
			return "Authentication failed. Please try again."
		}
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		switch oauthErr.Code {
		case "access_denied":
			return "Authentication was cancelled or denied."
		case "invalid_request":
			return "Invalid authentication request. Please try again."
		case "server_error":
			return "Authentication server error. Please try again later."
		default:
			return fmt.Sprintf("Authentication failed: %s", oauthErr.Description)
		}
	}
	return "An unexpected error occurred. Please try again."
}
