package server

import (
	"net/http"

	"github.com/puzed/darkauth/internal/apierror"
)

// handlerFunc is the shape every route leaf implements: parse, do the
// work, and return a single typed error instead of writing its own error
// body. wrap is the one place that turns that error into bytes on the
// wire, centralizing apiError handling into one write path.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// wrap adapts a handlerFunc into an http.HandlerFunc, mapping any
// returned error onto the HTTP response per spec §7's propagation
// policy: apierror.Error values are written with their mapped status and
// wire shape; anything else is logged with its correlation id (the
// request id stamped by requestContext) and surfaced as an opaque
// server_error.
func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		ae, ok := apierror.As(err)
		if !ok {
			ae = apierror.Wrap(apierror.Internal, err)
		}
		if ae.Kind == apierror.Crypto || ae.Kind == apierror.Internal {
			s.logger.ErrorContext(r.Context(), "handler failed", "error", err, "path", r.URL.Path)
		}
		ae.Write(w)
	}
}
