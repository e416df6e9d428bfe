package executor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/lib/pq"

	"github.com/fifatracker/datalayer/internal/remote"
)

// Class is the retry classification of an error.
type Class int

const (
	// Transient errors may succeed on a later attempt.
	Transient Class = iota
	// Terminal errors mean the request itself is wrong.
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "transient"
}

// HTTPStatusError is implemented by errors that carry an HTTP status.
type HTTPStatusError interface {
	HTTPStatus() int
}

// CodedError is implemented by errors that carry a backend error code, either
// a PostgREST code (PGRST...) or a SQLSTATE.
type CodedError interface {
	ErrorCode() string
}

var terminalCodes = map[string]bool{
	"PGRST301": true, // JWT invalid
	"PGRST116": true, // zero or many rows for a single-object request
}

var authMarkers = []string{"auth", "unauthorized", "forbidden"}

// Classify decides whether err is worth retrying.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if errors.Is(err, remote.ErrInvalidRequest) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrOperationPanic) {
		return Terminal
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && terminalSQLState(pqErr.Code) {
		return Terminal
	}

	var coded CodedError
	if errors.As(err, &coded) {
		code := coded.ErrorCode()
		if terminalCodes[code] || terminalSQLState(pq.ErrorCode(code)) {
			return Terminal
		}
	}

	var status HTTPStatusError
	if errors.As(err, &status) {
		s := status.HTTPStatus()
		if s >= http.StatusBadRequest && s < http.StatusInternalServerError {
			return Terminal
		}
	}

	// Transport failures carry the request URL, which must not be matched
	// against the auth markers.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return Terminal
		}
	}
	return Transient
}

// IsRetryable reports whether Classify(err) is Transient.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == Transient
}

// terminalSQLState covers integrity violations and authorization failures.
func terminalSQLState(code pq.ErrorCode) bool {
	if len(code) != 5 {
		return false
	}
	switch code.Class() {
	case "23", "28":
		return true
	}
	return code.Name() == "insufficient_privilege"
}
