package scribe

import (
	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/cache/memory"
)

var (
	// ErrCircuitOpen is returned by guarded provider calls while their breaker is open.
	ErrCircuitOpen = breaker.ErrCircuitOpen

	// ErrOperationTimeout is returned when a guarded call outlives its deadline.
	ErrOperationTimeout = breaker.ErrOperationTimeout

	// ErrSetFailed is returned when the memory cache refuses an entry.
	ErrSetFailed = memory.ErrSetFailed
)
