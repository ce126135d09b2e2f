package warehouse

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/planwright/planwright/internal/executor"
)

// sqlStateError matches driver errors that expose a SQLSTATE, such as the
// Databricks driver's execution errors.
type sqlStateError interface {
	error
	SqlState() string
}

var messageClasses = []struct {
	class    string
	patterns []string
}{
	{executor.ClassWarehouseUnavailable, []string{
		"warehouse is not running",
		"warehouse is stopped",
		"warehouse is starting",
		"endpoint is not running",
		"temporarily unavailable",
		"service unavailable",
		"http 503",
	}},
	{executor.ClassResourceExhausted, []string{
		"resource_exhausted",
		"resource exhausted",
		"too many requests",
		"http 429",
		"quota exceeded",
		"out of memory",
	}},
	{executor.ClassConnection, []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"tls handshake",
	}},
}

// Classify maps a driver error to a remote error class. The message is the
// driver's text, unmodified. Errors that match no transient class are
// reported as SQL errors, since the warehouse rejected the statement.
func Classify(err error) *executor.RemoteError {
	msg := err.Error()
	remote := func(class string) *executor.RemoteError {
		return &executor.RemoteError{Class: class, Message: msg}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return remote(executor.ClassTimeout)
	case errors.Is(err, context.Canceled):
		return remote(executor.ClassCancelled)
	}

	var se sqlStateError
	if errors.As(err, &se) {
		switch state := se.SqlState(); {
		case strings.HasPrefix(state, "08"):
			return remote(executor.ClassConnection)
		case strings.HasPrefix(state, "53"):
			return remote(executor.ClassResourceExhausted)
		case state == "57P03":
			return remote(executor.ClassWarehouseUnavailable)
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return remote(executor.ClassTimeout)
		}
		return remote(executor.ClassConnection)
	}

	lower := strings.ToLower(msg)
	for _, mc := range messageClasses {
		for _, p := range mc.patterns {
			if strings.Contains(lower, p) {
				return remote(mc.class)
			}
		}
	}
	return remote(executor.ClassSQL)
}
