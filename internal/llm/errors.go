package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed completion.
type ErrorKind string

const (
	// KindConfig: a credential is missing. Never retried.
	KindConfig ErrorKind = "config"
	// KindTimeout: an attempt outlived its deadline. Retried.
	KindTimeout ErrorKind = "timeout"
	// KindNetwork: transport failure (DNS, refused, reset). Retried when transient.
	KindNetwork ErrorKind = "network"
	// KindRemote: upstream answered non-2xx. 5xx, 429 and 408 are retried.
	KindRemote ErrorKind = "remote"
	// KindEmptyReply: upstream answered 2xx with nothing usable. Retried.
	KindEmptyReply ErrorKind = "empty_reply"
	// KindInvalidRequest: the request was rejected before going upstream.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindCanceled: the caller's context ended.
	KindCanceled ErrorKind = "canceled"
)

// ErrMissingAPIKey is wrapped by KindConfig errors.
var ErrMissingAPIKey = errors.New("DEEPSEEK_API_KEY is not configured")

// Error is the failure type of Client.Complete.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := "llmclient: " + string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the upstream status code carried by err, if any.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
