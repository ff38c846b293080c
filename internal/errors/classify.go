package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classification is the verdict for one failure: its kind and whether a
// bounded automatic retry is appropriate.
type Classification struct {
	Kind      Kind
	Retryable bool
}

// probe is the normalized view of a failure that classification rules see.
type probe struct {
	err     error
	status  int
	message string
}

// rule is one entry in the ordered classification table. First match wins.
type rule struct {
	name  string
	match func(p probe) bool
	out   Classification
}

var rules = []rule{
	{
		name: "offline",
		match: func(p probe) bool {
			return errors.Is(p.err, ErrOffline)
		},
		out: Classification{Kind: KindNetwork, Retryable: false},
	},
	{
		name: "auth",
		match: func(p probe) bool {
			if p.status == 401 || p.status == 403 {
				return true
			}
			if kindOf(p.err) == KindAuth {
				return true
			}
			return containsAny(p.message, "authentication", "unauthorized")
		},
		out: Classification{Kind: KindAuth, Retryable: false},
	},
	{
		name: "validation",
		match: func(p probe) bool {
			if p.status == 400 || p.status == 422 {
				return true
			}
			if kindOf(p.err) == KindValidation {
				return true
			}
			return containsAny(p.message, "validation", "required field", "invalid request")
		},
		out: Classification{Kind: KindValidation, Retryable: false},
	},
	{
		name: "timeout",
		match: func(p probe) bool {
			if errors.Is(p.err, context.DeadlineExceeded) {
				return true
			}
			var netErr net.Error
			if errors.As(p.err, &netErr) && netErr.Timeout() {
				return true
			}
			return strings.Contains(p.message, "timeout") || p.status == 408
		},
		out: Classification{Kind: KindTimeout, Retryable: true},
	},
	{
		name: "server",
		match: func(p probe) bool {
			return p.status >= 500 || p.status == 429
		},
		out: Classification{Kind: KindServer, Retryable: true},
	},
	{
		name: "network",
		match: func(p probe) bool {
			var netErr net.Error
			if errors.As(p.err, &netErr) {
				return true
			}
			return containsAny(p.message, "network", "fetch", "connection refused", "connection reset", "no such host")
		},
		out: Classification{Kind: KindNetwork, Retryable: true},
	},
}

// Classify maps a raw failure to its kind and retryability verdict using the
// ordered rule table. Unmatched failures are KindUnknown and never retried.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Retryable: false}
	}

	p := probe{err: err, message: strings.ToLower(err.Error())}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		p.status = apiErr.StatusCode
	}

	for _, r := range rules {
		if r.match(p) {
			return r.out
		}
	}
	return Classification{Kind: KindUnknown, Retryable: false}
}

// kindOf extracts the kind from a domain error, or KindUnknown.
func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func containsAny(message string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}
