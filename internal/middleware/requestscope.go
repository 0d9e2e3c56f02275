package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rpattn/entrack/internal/requestctx"
)

// ActorHeader carries the authenticated principal's identity. In a full
// deployment this would be set by an auth gateway after token verification.
const ActorHeader = "X-Actor-ID"

// RequestScope binds a request scope to each request's context so history
// events written anywhere below the handler pick up actor and provenance
// metadata. The binding ends with the request on every exit path.
func RequestScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var actorID *uuid.UUID
		if raw := r.Header.Get(ActorHeader); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid "+ActorHeader+" header", http.StatusBadRequest)
				return
			}
			actorID = &id
		}

		scope := requestctx.FromHTTP(r, actorID)
		next.ServeHTTP(w, r.WithContext(requestctx.Bind(r.Context(), scope)))
	})
}
