package middleware

import (
	"net/http"

	"github.com/S1riyS/os-course-lab-4/kernfs/pkg/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Check if request_id is already in context
		if requestID := logging.GetRequestIDFromCtx(ctx); requestID == "" {
			// Keep a well-formed header value, otherwise generate a new one
			ctx = logging.MakeContextWithRequestIDOrNew(ctx, r.Header.Get(RequestIDHeader))
		}

		w.Header().Set(RequestIDHeader, logging.GetRequestIDFromCtx(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
