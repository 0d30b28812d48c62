package auth

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/apperrors"
	"github.com/seatwise/seatwise/internal/authctx"
)

// Middleware validates the session cookie and injects the user identity into
// the request context. An invalid session clears the cookie and continues
// unauthenticated; RequireAuth decides which routes need an identity.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := GetSessionCookie(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := ValidateToken(token, secret)
			if err != nil {
				log.Debug().Err(err).Msg("Invalid session token")
				ClearSessionCookie(w)
				next.ServeHTTP(w, r)
				return
			}

			ctx := authctx.WithUser(r.Context(), claims.UserID, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects unauthenticated requests with 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authctx.UserID(r.Context()) == uuid.Nil {
			apperrors.WriteUnauthorized(w, r, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCSRF enforces the double-submit CSRF check on mutating requests.
func RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			if err := ValidateCSRF(r); err != nil {
				apperrors.WriteForbidden(w, r, "CSRF validation failed")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
