package kit

import "context"

// Endpoint is a transport-agnostic request handler, go-kit style: it knows
// nothing about HTTP or MCP, only request/response values.
type Endpoint func(ctx context.Context, req any) (resp any, err error)

// Middleware wraps an Endpoint to add cross-cutting behaviour (logging,
// auth, identity cutoff) without the endpoint itself knowing about it.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares into a single Middleware. The first middleware
// given runs outermost: Chain(a, b, c)(e) behaves as a(b(c(e))).
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
