package auth

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/nexus/pkg/api"
	"github.com/Mindburn-Labs/nexus/pkg/audit"
)

const maxRequestIDLen = 128

// RequestIDMiddleware tags every request with a correlation id, echoed in the
// response header and carried into audit records. A client-supplied id is
// kept when it is short printable ASCII; anything else is replaced.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(api.RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(api.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
