package httpx

import "net/http"

// Middleware wraps a handler with cross-cutting behavior, composed
// outermost-first by Chain.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to h in order, so Chain(h, A, B) serves a
// request through A(B(h)): A runs first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
