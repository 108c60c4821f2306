// Package connectivity provides the retry and circuit-breaker middleware
// the scan coordinator wraps around clamd/YARA calls so a transient
// failure doesn't fail an upload outright.
package connectivity

import "context"

// Handler is a transport-agnostic call: bytes in, bytes out. The scan
// coordinator's clamd/YARA invocations are adapted to this signature so
// they can be wrapped with WithRetry and WithCircuitBreaker.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps a Handler, adding cross-cutting behaviour
// (timeout, retry, circuit breaking) without changing the signature.
type HandlerMiddleware func(next Handler) Handler
