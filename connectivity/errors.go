package connectivity

import "fmt"

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting the wrapped handler.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}
