package auth

import (
	"log/slog"
	"net/http"

	"github.com/invoicely/invoicely/internal/platform/httpx"
	"github.com/invoicely/invoicely/internal/shared"
)

// Middleware resolves the bearer token into the request's acting principal.
type Middleware struct {
	Verifier *Verifier
	Logger   *slog.Logger
}

// Require rejects requests without a valid bearer token.
func (m Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		actor, err := m.Verifier.Verify(raw)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Info("rejected bearer token", slog.String("path", r.URL.Path), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}
