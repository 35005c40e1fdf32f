package breaker

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Classification buckets a failure by whether retrying can help
type Classification int

const (
	// ClassTransient failures (timeouts, refused connections, busy
	// targets) count toward opening the breaker
	ClassTransient Classification = iota
	// ClassPermanent failures (auth, malformed requests) are surfaced
	// to the caller but never trip the breaker
	ClassPermanent
	// ClassUnknown failures are conservatively treated as transient
	ClassUnknown
)

// String returns the lowercase classification name
func (c Classification) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Counted reports whether this classification counts toward the breaker
func (c Classification) Counted() bool {
	return c != ClassPermanent
}

var permanentMarkers = []string{
	"unauthorized",
	"unauthenticated",
	"forbidden",
	"permission denied",
	"invalid payload",
	"malformed",
	"unknown operation",
	"unsupported operation",
	"validation failed",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"temporary",
	"unavailable",
	"busy",
	"too many requests",
	"paper out", // printer recovers once reloaded
	"offline",
}

// Classify buckets a Go error. Network timeouts and refused connections
// are transient; anything unrecognized is unknown (treated as transient
// by the breaker).
func Classify(err error) Classification {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage buckets an error string reported by an agent. Agents
// return plain strings over the wire, so classification is by marker
// substring rather than error identity.
func ClassifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)

	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return ClassPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return ClassTransient
		}
	}
	return ClassUnknown
}
