package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/apperrors"
	"github.com/seatwise/seatwise/internal/authctx"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/notify"
	"github.com/seatwise/seatwise/internal/token"
	"github.com/seatwise/seatwise/internal/validation"
)

// Deps bundles what the auth handlers need.
type Deps struct {
	Users  *UserStore
	Tokens *token.Service
	Engine *entitlement.Engine
	Mailer *notify.Mailer

	JWTSecret    string
	SessionDays  int
	BaseURL      string
	IsProduction bool
}

type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OrgName  string `json:"org_name"`
}

// HandleSignup registers an account, stages the organization choice, and
// mails a verification link. The organization itself is not created until the
// first verified sign-in.
func HandleSignup(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req SignupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		email, err := validation.NormalizeEmail(req.Email)
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid email address")
			return
		}
		if len(req.Password) < 8 {
			apperrors.WriteBadRequest(w, r, "Password must be at least 8 characters")
			return
		}
		orgName := req.OrgName
		if orgName != "" {
			if orgName, err = validation.NormalizeOrgName(orgName); err != nil {
				apperrors.WriteBadRequest(w, r, "Invalid organization name")
				return
			}
		}

		passwordHash, err := HashPassword(req.Password)
		if err != nil {
			log.Error().Err(err).Msg("Failed to hash password")
			apperrors.WriteInternalError(w, r, "Failed to create account")
			return
		}

		user, err := deps.Users.CreateUser(ctx, email, passwordHash)
		if err != nil {
			if errors.Is(err, ErrEmailTaken) {
				apperrors.WriteConflict(w, r, "Email address already registered")
				return
			}
			log.Error().Err(err).Msg("Failed to create user")
			apperrors.WriteInternalError(w, r, "Failed to create account")
			return
		}

		if err := deps.Engine.StagePendingOrg(ctx, user.ID, email, orgName); err != nil {
			log.Error().Err(err).Str("user_id", user.ID.String()).Msg("Failed to stage pending organization")
			apperrors.WriteInternalError(w, r, "Failed to create account")
			return
		}

		plain, _, err := deps.Tokens.Issue(ctx, token.PurposeEmailVerification, user.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID.String()).Msg("Failed to issue verification token")
			apperrors.WriteInternalError(w, r, "Failed to create account")
			return
		}
		deps.Mailer.SendVerification(ctx, email, deps.BaseURL+"/verify-email?token="+plain)

		log.Info().Str("user_id", user.ID.String()).Msg("User signed up")

		apperrors.WriteSuccess(w, r, http.StatusCreated, map[string]any{
			"user_id": user.ID,
			"email":   user.Email,
		})
	}
}

type VerifyEmailRequest struct {
	Token string `json:"token"`
}

// HandleVerifyEmail consumes the verification token. Safe to retry: the
// token burns once, but re-verifying an already-verified account succeeds.
func HandleVerifyEmail(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req VerifyEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		userID, err := deps.Tokens.Redeem(ctx, token.PurposeEmailVerification, req.Token)
		if err != nil {
			writeTokenError(w, r, err)
			return
		}

		if err := deps.Users.MarkEmailVerified(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to mark email verified")
			apperrors.WriteInternalError(w, r, "Failed to verify email")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"verified": true,
		})
	}
}

type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleSignin authenticates and, on the first verified sign-in, finalizes
// the staged organization setup. A failure in that finalization does not
// block the session: the response carries a warning and the staging row
// stays for the next sign-in to retry.
func HandleSignin(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req SigninRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		email, err := validation.NormalizeEmail(req.Email)
		if err != nil {
			apperrors.WriteUnauthorized(w, r, "Invalid email or password")
			return
		}

		user, err := deps.Users.GetUserByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				apperrors.WriteUnauthorized(w, r, "Invalid email or password")
				return
			}
			log.Error().Err(err).Msg("Failed to load user")
			apperrors.WriteInternalError(w, r, "Failed to sign in")
			return
		}
		if err := VerifyPassword(user.PasswordHash, req.Password); err != nil {
			apperrors.WriteUnauthorized(w, r, "Invalid email or password")
			return
		}
		if !user.Verified() {
			apperrors.WriteForbidden(w, r, "Email address not verified")
			return
		}

		var setupWarning string
		var orgID *uuid.UUID
		org, err := deps.Engine.ConfirmFirstSignIn(ctx, user.ID, user.Email)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID.String()).Msg("Organization setup failed during sign-in")
			setupWarning = "Organization setup incomplete, it will be retried on your next sign-in"
		} else if org != nil {
			orgID = &org.ID
		}

		sessionToken, err := CreateToken(user.ID, user.Email, deps.JWTSecret, deps.SessionDays)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create session token")
			apperrors.WriteInternalError(w, r, "Failed to create session")
			return
		}
		SetSessionCookie(w, sessionToken, deps.SessionDays, deps.IsProduction)

		csrfToken, err := GenerateCSRFToken()
		if err != nil {
			log.Error().Err(err).Msg("Failed to generate CSRF token")
			apperrors.WriteInternalError(w, r, "Failed to create session")
			return
		}
		SetCSRFCookie(w, csrfToken, deps.IsProduction)

		resp := map[string]any{
			"user_id": user.ID,
			"email":   user.Email,
		}
		if orgID != nil {
			resp["org_id"] = *orgID
		}
		if setupWarning != "" {
			resp["warning"] = setupWarning
		}
		apperrors.WriteSuccess(w, r, http.StatusOK, resp)
	}
}

// HandleLogout clears the session.
func HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ClearSessionCookie(w)
		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"logged_out": true,
		})
	}
}

// HandleMe returns the caller's identity and active memberships.
func HandleMe(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := authctx.UserID(ctx)

		user, err := deps.Users.GetUserByID(ctx, userID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load user")
			apperrors.WriteInternalError(w, r, "Failed to load profile")
			return
		}

		memberships, err := deps.Engine.ActiveMemberships(ctx, userID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load memberships")
			apperrors.WriteInternalError(w, r, "Failed to load profile")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"user_id":     user.ID,
			"email":       user.Email,
			"verified":    user.Verified(),
			"memberships": memberships,
		})
	}
}

type PasswordResetRequestBody struct {
	Email string `json:"email"`
}

// HandlePasswordResetRequest always answers 200 so the endpoint can't be
// used to probe which addresses exist.
func HandlePasswordResetRequest(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req PasswordResetRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		if email, err := validation.NormalizeEmail(req.Email); err == nil {
			if user, err := deps.Users.GetUserByEmail(ctx, email); err == nil {
				if plain, _, err := deps.Tokens.Issue(ctx, token.PurposePasswordReset, user.ID); err == nil {
					deps.Mailer.SendPasswordReset(ctx, email, deps.BaseURL+"/reset-password?token="+plain)
				} else {
					log.Error().Err(err).Msg("Failed to issue password reset token")
				}
			}
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"requested": true,
		})
	}
}

type PasswordResetConfirmBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// HandlePasswordResetConfirm consumes the reset token and sets the new
// password.
func HandlePasswordResetConfirm(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req PasswordResetConfirmBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		if len(req.NewPassword) < 8 {
			apperrors.WriteBadRequest(w, r, "Password must be at least 8 characters")
			return
		}

		userID, err := deps.Tokens.Redeem(ctx, token.PurposePasswordReset, req.Token)
		if err != nil {
			writeTokenError(w, r, err)
			return
		}

		passwordHash, err := HashPassword(req.NewPassword)
		if err != nil {
			log.Error().Err(err).Msg("Failed to hash password")
			apperrors.WriteInternalError(w, r, "Failed to reset password")
			return
		}
		if err := deps.Users.SetPassword(ctx, userID, passwordHash); err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to set password")
			apperrors.WriteInternalError(w, r, "Failed to reset password")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"reset": true,
		})
	}
}

func writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrNotFound):
		apperrors.WriteBadRequest(w, r, "Invalid token")
	case errors.Is(err, token.ErrExpired):
		apperrors.WriteBadRequest(w, r, "Token expired")
	case errors.Is(err, token.ErrAlreadyUsed):
		apperrors.WriteBadRequest(w, r, "Token already used")
	default:
		log.Error().Err(err).Msg("Token redemption failed")
		apperrors.WriteInternalError(w, r, "Failed to process token")
	}
}
