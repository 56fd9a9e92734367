// Package retry decides, for a failed handler invocation, whether another
// attempt should be made and how long to wait first. Policies mirror the
// shape of clients.RetryInfo (max attempts, base wait) extended with
// backoff strategy, jitter, and exception filtering.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"oss.nandlabs.io/outboxd/config"
)

// Decision is the outcome of evaluating a Policy against a failure.
type Decision struct {
	// Retry is true if another attempt should be scheduled.
	Retry bool
	// After is how long to wait before the next attempt becomes eligible,
	// meaningful only when Retry is true.
	After time.Duration
}

// Policy decides retry eligibility and delay for a given attempt count and
// error.
type Policy interface {
	// Evaluate returns the retry decision for a handler that has now failed
	// attempt times (1 for the first failure).
	Evaluate(attempt int, err error) Decision
}

// ExceptionFilter narrows a Policy by error identity. With Exclude set,
// errors matching the predicate never retry; without it the predicate is an
// include list, and only matching errors retry.
type ExceptionFilter struct {
	Policy  Policy
	Match   func(err error) bool
	Exclude bool
}

// Evaluate applies the filter before falling back to the wrapped policy.
func (f ExceptionFilter) Evaluate(attempt int, err error) Decision {
	if f.Match != nil && f.Match(err) == f.Exclude {
		return Decision{Retry: false}
	}
	return f.Policy.Evaluate(attempt, err)
}

// MatchTypeNames builds a predicate that reports whether an error's concrete
// type name, or any type in its Unwrap chain, appears in names. Both the
// package-qualified form ("net.OpError") and the bare name ("OpError") are
// accepted; a leading "*" on the concrete type is ignored.
func MatchTypeNames(names ...string) func(error) bool {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(err error) bool {
		for e := err; e != nil; e = errors.Unwrap(e) {
			full := strings.TrimPrefix(fmt.Sprintf("%T", e), "*")
			if _, ok := set[full]; ok {
				return true
			}
			if i := strings.LastIndex(full, "."); i >= 0 {
				if _, ok := set[full[i+1:]]; ok {
					return true
				}
			}
		}
		return false
	}
}

// Fixed retries up to MaxAttempts times, waiting the same Wait duration
// (plus jitter) between each.
type Fixed struct {
	MaxAttempts int
	Wait        time.Duration
	Jitter      time.Duration // adds a uniform random wait in [0, Jitter]
	Rand        *rand.Rand
}

// Evaluate implements Policy.
func (f Fixed) Evaluate(attempt int, _ error) Decision {
	if attempt >= f.MaxAttempts {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, After: applyJitter(f.Wait, f.Jitter, f.Rand)}
}

// Exponential retries up to MaxAttempts times, multiplying the wait by
// Multiplier each attempt starting from BaseWait, capped at MaxWait.
// Multiplier defaults to 2 when zero.
type Exponential struct {
	MaxAttempts int
	BaseWait    time.Duration
	Multiplier  float64
	MaxWait     time.Duration
	Jitter      time.Duration // adds a uniform random wait in [0, Jitter]
	Rand        *rand.Rand
}

// Evaluate implements Policy.
func (e Exponential) Evaluate(attempt int, _ error) Decision {
	if attempt >= e.MaxAttempts {
		return Decision{Retry: false}
	}
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	wait := time.Duration(float64(e.BaseWait) * math.Pow(multiplier, float64(attempt-1)))
	if e.MaxWait > 0 && wait > e.MaxWait {
		wait = e.MaxWait
	}
	return Decision{Retry: true, After: applyJitter(wait, e.Jitter, e.Rand)}
}

func applyJitter(base, jitter time.Duration, r *rand.Rand) time.Duration {
	if jitter <= 0 {
		return base
	}
	if r == nil {
		r = globalRand
	}
	return base + time.Duration(r.Int63n(int64(jitter)+1))
}

var globalRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// FromConfig builds the module-wide default Policy the configuration
// describes. MaxRetries counts retries after the initial attempt, so a
// record is allowed MaxRetries+1 invocations before it is exhausted.
func FromConfig(rc config.RetryConfig) Policy {
	var base Policy
	switch rc.Policy {
	case "fixed":
		base = Fixed{MaxAttempts: rc.MaxRetries + 1, Wait: rc.Fixed.Delay.Std(), Jitter: rc.Jitter.Std()}
	default:
		base = Exponential{
			MaxAttempts: rc.MaxRetries + 1,
			BaseWait:    rc.Exponential.InitialDelay.Std(),
			Multiplier:  rc.Exponential.Multiplier,
			MaxWait:     rc.Exponential.MaxDelay.Std(),
			Jitter:      rc.Jitter.Std(),
		}
	}
	switch {
	case len(rc.ExcludeExceptions) > 0:
		return ExceptionFilter{Policy: base, Match: MatchTypeNames(rc.ExcludeExceptions...), Exclude: true}
	case len(rc.IncludeExceptions) > 0:
		return ExceptionFilter{Policy: base, Match: MatchTypeNames(rc.IncludeExceptions...)}
	}
	return base
}

// Registry resolves the Policy to use for a given handler, falling back to
// a module-wide default when a handler has not registered an override.
type Registry struct {
	byHandlerID map[string]Policy
	fallback    Policy
}

// NewRegistry constructs a Registry with fallback as the policy used for any
// handlerID without an explicit override.
func NewRegistry(fallback Policy) *Registry {
	return &Registry{byHandlerID: make(map[string]Policy), fallback: fallback}
}

// Override registers a per-handler policy, replacing the fallback for that
// handlerID only.
func (r *Registry) Override(handlerID string, policy Policy) {
	r.byHandlerID[handlerID] = policy
}

// For returns the policy to use for handlerID.
func (r *Registry) For(handlerID string) Policy {
	if p, ok := r.byHandlerID[handlerID]; ok {
		return p
	}
	return r.fallback
}
