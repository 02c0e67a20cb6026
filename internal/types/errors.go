package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a record, user or provider object does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotConnected is returned when the user has no usable mail
	// provider credential.
	ErrNotConnected = errors.New("mail provider not connected")

	// ErrRateLimited is returned when the per-user provider call budget is
	// exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderTimeout is returned when a provider call exceeds its
	// deadline.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrProvider is a transient or unclassified provider failure.
	ErrProvider = errors.New("provider error")

	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNoThread            = errors.New("record has no thread")
	ErrLastMessageFromSelf = errors.New("latest thread message is from the user")
	ErrGenerationFailed    = errors.New("reply generation failed")

	// ErrConflict is returned when a conditional write loses a race.
	ErrConflict = errors.New("concurrent modification")
)

// Sync error codes stored on a record.
const (
	CodeGmailDisconnected = "gmail_disconnected"
	CodeGmailError        = "gmail_error"
	CodeRateLimited       = "rate_limited"
	CodeNotFound          = "not_found"
	CodeTimeout           = "timeout"
)

// SyncError is the soft failure indicator left on a record by the last sync.
type SyncError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match a SyncError against the sentinel for its code.
func (e *SyncError) Is(target error) bool {
	switch e.Code {
	case CodeGmailDisconnected:
		return target == ErrNotConnected
	case CodeRateLimited:
		return target == ErrRateLimited
	case CodeNotFound:
		return target == ErrNotFound
	case CodeTimeout:
		return target == ErrProviderTimeout
	case CodeGmailError:
		return target == ErrProvider
	}
	return false
}

// ClassifySyncError maps err to a SyncError code.
func ClassifySyncError(err error, at time.Time) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	code := CodeGmailError
	switch {
	case errors.Is(err, ErrNotConnected):
		code = CodeGmailDisconnected
	case errors.Is(err, ErrRateLimited):
		code = CodeRateLimited
	case errors.Is(err, ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrProviderTimeout):
		code = CodeTimeout
	}
	return &SyncError{Code: code, Message: err.Error(), At: at.UTC()}
}
