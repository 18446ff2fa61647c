package pipeline

import "errors"

// Error kinds surfaced to callers of the orchestrator entry points.
var (
	// ErrNotFound indicates the market does not exist.
	ErrNotFound = errors.New("pipeline: market not found")
	// ErrInactive indicates the market exists but is not active.
	ErrInactive = errors.New("pipeline: market not active")
	// ErrRateLimited indicates the local guard fired or the post source returned 429.
	ErrRateLimited = errors.New("pipeline: rate limited")
	// ErrUpstreamPostSource indicates a non-rate-limit failure against the post source.
	ErrUpstreamPostSource = errors.New("pipeline: post source failure")
	// ErrUpstreamOracle indicates the oracle failed or returned an invalid payload.
	ErrUpstreamOracle = errors.New("pipeline: oracle failure")
	// ErrStore indicates the store rejected a read or write unexpectedly.
	ErrStore = errors.New("pipeline: store failure")
	// ErrInvalidInput indicates the caller passed arguments the pipeline cannot act on.
	ErrInvalidInput = errors.New("pipeline: invalid input")
)
