package ampsync

import (
	"context"
	"net/http"
)

// Notifier receives periodic error digests in place of the built-in log
// notifier. Implementations deliver to a pager, a chat webhook, email.
// Notify runs on the sync goroutine; it must not block indefinitely, and
// its error is logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, errs []ErrorEntry) error
}

// RouteRegistrar registers additional routes on the shared dashboard
// mux. The function is called once during New() after all built-in
// routes are registered. protect wraps a handler in dashboard auth plus
// the read-tier rate budget so embedded routes sit behind the same
// token as the rest of the dashboard.
type RouteRegistrar func(mux *http.ServeMux, protect func(http.Handler) http.Handler)

// Middleware wraps the root HTTP handler. Applied outermost, before
// routing, so it sees every request including the probes. Multiple
// middlewares are applied in registration order: the first registered
// is outermost.
type Middleware func(http.Handler) http.Handler
