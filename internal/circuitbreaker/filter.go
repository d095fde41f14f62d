package circuitbreaker

import (
	"errors"
	"strings"
)

// Outcome is the result of one guarded call as seen by the breaker.
type Outcome int

const (
	Success Outcome = iota
	Failure
	// Ignored releases a half-open trial slot without counting.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// ErrorFilter decides which call errors are excluded from failure accounting.
type ErrorFilter interface {
	Ignore(err error) bool
}

// ClassFilter ignores errors whose ErrorClass() is in the set.
type ClassFilter map[string]struct{}

// NewClassFilter builds a filter from error class names.
func NewClassFilter(classes []string) ClassFilter {
	f := make(ClassFilter, len(classes))
	for _, c := range classes {
		f[strings.ToLower(c)] = struct{}{}
	}
	return f
}

func (f ClassFilter) Ignore(err error) bool {
	if err == nil || len(f) == 0 {
		return false
	}
	var c interface{ ErrorClass() string }
	if !errors.As(err, &c) {
		return false
	}
	_, ok := f[c.ErrorClass()]
	return ok
}

// Classify turns a call result into an Outcome. Errors are failures unless
// the filter ignores them. A 5xx status without an error is also a failure.
func Classify(filter ErrorFilter, err error, status int) Outcome {
	if err != nil {
		if filter != nil && filter.Ignore(err) {
			return Ignored
		}
		return Failure
	}
	if status >= 500 {
		return Failure
	}
	return Success
}
