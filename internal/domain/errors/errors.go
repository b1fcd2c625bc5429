// Package errors defines the error taxonomy shared by every core component.
//
// Callers always receive one of these sentinels (optionally wrapped with
// fmt.Errorf("%w", ...) for local context) — the core never panics to
// signal an expected failure.
package errors

import "errors"

var (
	// ErrInvalidInput marks a malformed request (bad topic, nil event, out-of-range field).
	ErrInvalidInput = errors.New("invalid_input")

	// ErrTimeout marks an inter-component call that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrBackendUnavailable marks a collaborator (distributed KV, vector store) that could not be reached.
	ErrBackendUnavailable = errors.New("backend_unavailable")

	// ErrRateLimited marks a request denied by the rate limiter.
	ErrRateLimited = errors.New("rate_limited")

	// ErrCircuitOpen marks a call rejected by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit_open")

	// ErrClockDriftExceeded marks a remote HLC update rejected for exceeding MaxDrift.
	ErrClockDriftExceeded = errors.New("clock_drift_exceeded")

	// ErrBufferOverflow marks an ordered-delivery buffer that forced a partial flush.
	ErrBufferOverflow = errors.New("buffer_overflow")

	// ErrSubscriberGone marks delivery to a subscriber whose mailbox is unreachable.
	ErrSubscriberGone = errors.New("subscriber_gone")

	// ErrChannelBlocked marks a variety channel whose source subsystem is unhealthy.
	ErrChannelBlocked = errors.New("channel_blocked")

	// ErrViabilityThreat marks a condition requiring emergency mode.
	ErrViabilityThreat = errors.New("viability_threat")

	// ErrInternal marks an unexpected failure caught at an actor boundary.
	ErrInternal = errors.New("internal")
)
