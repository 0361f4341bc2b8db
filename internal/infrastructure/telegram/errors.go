// Package telegram implements the outbound Telegram Bot API facade: rate
// limiting, retries, per-endpoint circuit breaking, typed errors and call
// instrumentation. Every outbound call in the process passes through here.
package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY
// Telegram failures collapse into five categories. NotFound, PermissionDenied
// and Invalid are terminal (never retried); RateLimited is absorbed by the
// facade; Transient is retried with backoff.
// ══════════════════════════════════════════════════════════════════════════════

// Category classifies a Telegram API failure.
type Category string

const (
	// CategoryNotFound covers unknown chats, users and messages.
	CategoryNotFound Category = "not_found"

	// CategoryPermissionDenied covers missing bot rights and blocked bots.
	CategoryPermissionDenied Category = "permission_denied"

	// CategoryRateLimited covers 429 responses with a retry_after hint.
	CategoryRateLimited Category = "rate_limited"

	// CategoryTransient covers 5xx responses, timeouts and network trouble.
	CategoryTransient Category = "transient"

	// CategoryInvalid covers malformed requests and bad tokens; retrying
	// can never help.
	CategoryInvalid Category = "invalid"
)

// APIError is a classified Telegram API failure.
type APIError struct {
	Method      string
	Category    Category
	Code        int
	Description string

	// RetryAfter is set for rate-limited errors.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %s (code %d): %s", e.Method, e.Category, e.Code, e.Description)
}

// Unwrap exposes the underlying error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Terminal reports whether retrying can never succeed.
func (e *APIError) Terminal() bool {
	switch e.Category {
	case CategoryNotFound, CategoryPermissionDenied, CategoryInvalid:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is a Telegram not-found failure.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == CategoryNotFound
}

// IsPermissionDenied reports whether err is a missing-rights failure.
func IsPermissionDenied(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == CategoryPermissionDenied
}

// Classify converts a raw client error into an APIError.
func Classify(method string, err error) *APIError {
	var tgErr *gotgbot.TelegramError
	if !errors.As(err, &tgErr) {
		// Network errors, timeouts and anything else below the protocol.
		return &APIError{
			Method:      method,
			Category:    CategoryTransient,
			Description: err.Error(),
			Err:         err,
		}
	}

	apiErr := &APIError{
		Method:      method,
		Code:        tgErr.Code,
		Description: tgErr.Description,
		Err:         err,
	}

	desc := strings.ToLower(tgErr.Description)

	switch {
	case tgErr.Code == 429:
		apiErr.Category = CategoryRateLimited
		if tgErr.ResponseParams != nil && tgErr.ResponseParams.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(tgErr.ResponseParams.RetryAfter) * time.Second
		} else {
			apiErr.RetryAfter = time.Second
		}

	case tgErr.Code == 403:
		apiErr.Category = CategoryPermissionDenied

	case tgErr.Code == 401, tgErr.Code == 404:
		// Invalid or revoked bot token.
		apiErr.Category = CategoryInvalid

	case tgErr.Code >= 500:
		apiErr.Category = CategoryTransient

	case tgErr.Code == 400 && strings.Contains(desc, "not found"):
		// "chat not found", "user not found", "message to delete not found"
		apiErr.Category = CategoryNotFound

	case tgErr.Code == 400 && strings.Contains(desc, "user_id_invalid"):
		apiErr.Category = CategoryNotFound

	default:
		apiErr.Category = CategoryInvalid
	}

	return apiErr
}
