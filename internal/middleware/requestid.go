// Package middleware provides HTTP middleware for the Conductor API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/Conductor/internal/logger"
)

// HeaderRequestID carries the correlation id in and out of the API.
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen caps caller-supplied ids before they reach logs.
const maxRequestIDLen = 128

// RequestID takes X-Request-ID from the request or mints a UUID, stores it
// in the context for logging and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}
