package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/apperrors"
	"github.com/seatwise/seatwise/internal/authctx"
)

type InviteCreateRequest struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// InviteNotifier delivers invitation emails. Satisfied by notify.Mailer.
type InviteNotifier interface {
	SendInvitation(ctx context.Context, email, orgName, inviteURL string)
}

type InviteResponse struct {
	MembershipID uuid.UUID `json:"membership_id"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	ExpiresAt    time.Time `json:"expires_at"`
	Token        string    `json:"token,omitempty"`
}

// writeEngineError maps engine errors to HTTP responses. Precondition
// failures carry their stable code so clients can branch on it.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotAdmin):
		apperrors.WriteForbidden(w, r, "Admin permission required")
	case errors.Is(err, ErrOrgNotFound):
		apperrors.WriteNotFound(w, r, "Organization not found")
	case errors.Is(err, ErrMembershipNotFound):
		apperrors.WriteNotFound(w, r, "Member not found")
	case errors.Is(err, ErrPoolNotFound):
		apperrors.WriteNotFound(w, r, "License pool not found")
	case errors.Is(err, ErrInvalidArgument):
		apperrors.WriteBadRequest(w, r, err.Error())
	default:
		if code := PreconditionCode(err); code != "" {
			apperrors.WriteUnprocessable(w, r, code, err.Error())
			return
		}
		log.Error().Err(err).Msg(fallback)
		apperrors.WriteInternalError(w, r, fallback)
	}
}

func parseOrgID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "org_id"))
	return id, err == nil
}

type OrgCreateRequest struct {
	Name string `json:"name"`
}

// HandleCreateOrg handles POST /api/v1/orgs. The caller must not hold an
// active membership elsewhere. An empty name creates a personal trial
// organization; a known name joins that organization if a seat is free.
func HandleCreateOrg(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := authctx.UserID(ctx)
		email := authctx.UserEmail(ctx)

		var req OrgCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}

		org, err := engine.SignupDirect(ctx, userID, email, req.Name)
		if err != nil {
			writeEngineError(w, r, err, "Failed to create organization")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusCreated, map[string]any{
			"org_id":            org.ID,
			"name":              org.Name,
			"is_trial":          org.IsTrial,
			"is_personal_trial": org.IsPersonalTrial,
		})
	}
}

// HandleCreateInvite handles POST /api/v1/orgs/{org_id}/invites.
// The plaintext token appears in the response exactly once.
func HandleCreateInvite(engine *Engine, invites InviteNotifier, baseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}

		var req InviteCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		if req.Role == "" {
			req.Role = RoleMember
		}

		m, plain, err := engine.IssueInvitation(ctx, orgID, actorUserID, req.Email, req.Role)
		if err != nil {
			writeEngineError(w, r, err, "Failed to create invite")
			return
		}

		if invites != nil {
			orgName := ""
			if org, orgErr := engine.Org(ctx, orgID, actorUserID); orgErr == nil {
				orgName = org.Name
			}
			invites.SendInvitation(ctx, *m.InviteEmail, orgName, baseURL+"/invites/redeem?token="+plain)
		}

		apperrors.WriteSuccess(w, r, http.StatusCreated, InviteResponse{
			MembershipID: m.ID,
			Email:        *m.InviteEmail,
			Role:         m.Role,
			ExpiresAt:    *m.InviteExpiresAt,
			Token:        plain,
		})
	}
}

type InviteRedeemRequest struct {
	Token string `json:"token"`
}

// HandleRedeemInvite handles POST /api/v1/invites/redeem for the
// authenticated user.
func HandleRedeemInvite(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := authctx.UserID(ctx)
		email := authctx.UserEmail(ctx)

		var req InviteRedeemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		if req.Token == "" {
			apperrors.WriteBadRequest(w, r, "Token is required")
			return
		}

		m, err := engine.RedeemInvitation(ctx, req.Token, userID, email)
		if err != nil {
			writeEngineError(w, r, err, "Failed to redeem invite")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"org_id": m.OrgID,
			"role":   m.Role,
			"status": m.Status,
		})
	}
}

// HandleRevokeInvite handles DELETE /api/v1/orgs/{org_id}/invites/{invite_id}
func HandleRevokeInvite(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}
		inviteID, err := uuid.Parse(chi.URLParam(r, "invite_id"))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid invite ID")
			return
		}

		if err := engine.RevokeInvitation(ctx, orgID, actorUserID, inviteID); err != nil {
			writeEngineError(w, r, err, "Failed to revoke invite")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"revoked": true,
		})
	}
}

// HandleListMembers handles GET /api/v1/orgs/{org_id}/members
func HandleListMembers(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}

		members, err := engine.Members(ctx, orgID, actorUserID)
		if err != nil {
			writeEngineError(w, r, err, "Failed to list members")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"members": members,
		})
	}
}

// HandleRemoveMember handles DELETE /api/v1/orgs/{org_id}/members/{user_id}
func HandleRemoveMember(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}
		targetUserID, err := uuid.Parse(chi.URLParam(r, "user_id"))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid user ID")
			return
		}

		if err := engine.RemoveMember(ctx, orgID, actorUserID, targetUserID); err != nil {
			writeEngineError(w, r, err, "Failed to remove member")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"removed": true,
		})
	}
}

// HandleReactivateMember handles POST /api/v1/orgs/{org_id}/members/{user_id}/reactivate
func HandleReactivateMember(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}
		targetUserID, err := uuid.Parse(chi.URLParam(r, "user_id"))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid user ID")
			return
		}

		if err := engine.ReactivateMember(ctx, orgID, actorUserID, targetUserID); err != nil {
			writeEngineError(w, r, err, "Failed to reactivate member")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"reactivated": true,
		})
	}
}

// HandleGetLicense handles GET /api/v1/orgs/{org_id}/license
func HandleGetLicense(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}

		pool, err := engine.Pool(ctx, orgID, actorUserID)
		if err != nil {
			writeEngineError(w, r, err, "Failed to get license pool")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
			"total_licenses":           pool.TotalLicenses,
			"used_licenses":            pool.UsedLicenses,
			"free_licenses":            pool.FreeSeats(),
			"expires_at":               pool.ExpiresAt,
			"scheduled_total_licenses": pool.ScheduledTotalLicenses,
			"scheduled_change_at":      pool.ScheduledChangeAt,
		})
	}
}

type ScheduleChangeRequest struct {
	TotalLicenses int       `json:"total_licenses"`
	EffectiveAt   time.Time `json:"effective_at"`
	Note          string    `json:"note"`
}

// HandleScheduleChange handles POST /api/v1/orgs/{org_id}/license/schedule
func HandleScheduleChange(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actorUserID := authctx.UserID(ctx)

		orgID, ok := parseOrgID(r)
		if !ok {
			apperrors.WriteBadRequest(w, r, "Invalid organization ID")
			return
		}

		var req ScheduleChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid request body")
			return
		}
		if req.EffectiveAt.IsZero() {
			apperrors.WriteBadRequest(w, r, "effective_at is required")
			return
		}

		if err := engine.ScheduleSeatChange(ctx, orgID, actorUserID, req.TotalLicenses, req.EffectiveAt, req.Note); err != nil {
			writeEngineError(w, r, err, "Failed to schedule seat change")
			return
		}

		apperrors.WriteSuccess(w, r, http.StatusAccepted, map[string]any{
			"scheduled":      true,
			"total_licenses": req.TotalLicenses,
			"effective_at":   req.EffectiveAt,
		})
	}
}
