package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seatwise/seatwise/internal/apperrors"
	"github.com/seatwise/seatwise/internal/auth"
	"github.com/seatwise/seatwise/internal/config"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/notify"
	"github.com/seatwise/seatwise/internal/paysig"
	"github.com/seatwise/seatwise/internal/token"
	"github.com/seatwise/seatwise/internal/webhook"
)

// webhookTolerance bounds how old a signed webhook timestamp may be.
const webhookTolerance = 5 * time.Minute

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(pool *pgxpool.Pool, cfg *config.Config, engine *entitlement.Engine, mailer *notify.Mailer) *chi.Mux {
	r := chi.NewRouter()

	isProduction := !cfg.IsDev()

	// Middleware stack
	r.Use(middleware.RealIP)             // Set RemoteAddr to real IP
	r.Use(apperrors.RequestIDMiddleware) // Add request ID to context
	r.Use(LoggingMiddleware)             // Structured request logging
	r.Use(RecoveryMiddleware)            // Recover from panics
	r.Use(cors.Handler(cors.Options{ // CORS
		AllowedOrigins:   []string{cfg.BaseURL},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware(cfg.JWTSecret)) // Validate session cookies

	authDeps := &auth.Deps{
		Users:        auth.NewUserStore(pool),
		Tokens:       token.NewService(token.NewPGStore(pool)),
		Engine:       engine,
		Mailer:       mailer,
		JWTSecret:    cfg.JWTSecret,
		SessionDays:  cfg.SessionDays,
		BaseURL:      cfg.BaseURL,
		IsProduction: isProduction,
	}
	verifier := paysig.NewVerifier(cfg.WebhookSecret, webhookTolerance)

	// Health check routes (no authentication required)
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(pool))

	// API routes - Authentication
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(ContentTypeJSON) // Set Content-Type to application/json

		r.Post("/signup", auth.HandleSignup(authDeps))
		r.Post("/verify-email", auth.HandleVerifyEmail(authDeps))

		// Sign-in with rate limiting (10 requests per minute)
		r.With(SigninRateLimitMiddleware()).Post("/signin", auth.HandleSignin(authDeps))

		r.Post("/password-reset/request", auth.HandlePasswordResetRequest(authDeps))
		r.Post("/password-reset/confirm", auth.HandlePasswordResetConfirm(authDeps))

		// Session-bound routes
		r.With(auth.RequireAuth).Post("/logout", auth.HandleLogout())
		r.With(auth.RequireAuth).Get("/me", auth.HandleMe(authDeps))
	})

	// API routes - Organizations (require authentication)
	r.Route("/api/v1/orgs", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(auth.RequireCSRF) // Validate CSRF tokens on mutations
		r.Use(auth.RequireAuth)

		// Organization creation
		r.Post("/", entitlement.HandleCreateOrg(engine))

		// Invitations
		r.Post("/{org_id}/invites", entitlement.HandleCreateInvite(engine, mailer, cfg.BaseURL))
		r.Delete("/{org_id}/invites/{invite_id}", entitlement.HandleRevokeInvite(engine))

		// Members
		r.Get("/{org_id}/members", entitlement.HandleListMembers(engine))
		r.Delete("/{org_id}/members/{user_id}", entitlement.HandleRemoveMember(engine))
		r.Post("/{org_id}/members/{user_id}/reactivate", entitlement.HandleReactivateMember(engine))

		// License pool
		r.Get("/{org_id}/license", entitlement.HandleGetLicense(engine))
		r.Post("/{org_id}/license/schedule", entitlement.HandleScheduleChange(engine))
	})

	// API routes - Invitation redemption (authenticated, any user)
	r.Route("/api/v1/invites", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(auth.RequireCSRF)
		r.Use(auth.RequireAuth)

		r.Post("/redeem", entitlement.HandleRedeemInvite(engine))
	})

	// Payment webhooks authenticate by provider signature over the raw body,
	// so they mount outside the JSON API groups. The handler verifies the
	// signature before anything else touches the payload.
	r.Post("/api/v1/webhooks/payment", webhook.HandlePaymentWebhook(verifier, engine))

	return r
}

// handleHealthz returns a simple liveness check
// Always returns 200 OK if the service is running
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleReadyz returns a readiness check that includes database connectivity
// Returns 200 OK if service is ready to accept traffic, 503 if not
func handleReadyz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			apperrors.WriteServiceUnavailable(w, r, "Database connection failed")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]string{
			"status": "ready",
			"db":     "ok",
		})
	}
}
