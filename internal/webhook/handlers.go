// Package webhook receives payment-provider callbacks. The signature check
// runs against the raw request body before any parsing; unknown event types
// are acknowledged so the provider stops retrying them.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seatwise/seatwise/internal/apperrors"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/paysig"
)

// SignatureHeader carries the provider's timestamped HMAC.
const SignatureHeader = "Payment-Signature"

const maxBodyBytes = 1 << 20

// HandlePaymentWebhook handles POST /api/v1/webhooks/payment.
//
// Responses signal the provider's retry machinery: 401 for a bad signature,
// 400 for a payload that can never become valid, 500 for transient failures
// worth retrying, 200 once the event is either applied or deliberately
// ignored. Replays of an applied transaction return 200 without touching
// state.
func HandlePaymentWebhook(verifier *paysig.Verifier, engine *entitlement.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Failed to read request body")
			return
		}

		if err := verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
			log.Warn().Err(err).Msg("Webhook signature rejected")
			apperrors.WriteUnauthorized(w, r, "Invalid webhook signature")
			return
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid webhook payload")
			return
		}

		switch event.EventType {
		case EventTransactionCompleted:
			handleTransactionCompleted(w, r, engine, &event)

		case EventSubscriptionCanceled:
			// Seats stay until the pool's expiry date; nothing to reconcile
			// now.
			log.Info().
				Str("subscription_id", event.Data.SubscriptionID).
				Msg("Subscription canceled, licenses remain until expiry")
			apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
				"acknowledged": true,
			})

		default:
			log.Debug().Str("event_type", event.EventType).Msg("Ignoring webhook event")
			apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
				"ignored": true,
			})
		}
	}
}

func handleTransactionCompleted(w http.ResponseWriter, r *http.Request, engine *entitlement.Engine, event *Event) {
	ctx := r.Context()
	data := &event.Data

	if data.ID == "" {
		apperrors.WriteBadRequest(w, r, "Missing transaction id")
		return
	}
	userID, err := uuid.Parse(data.CustomData.UserID)
	if err != nil {
		apperrors.WriteBadRequest(w, r, "Missing or invalid userId in custom data")
		return
	}
	quantity := data.SeatQuantity()
	if quantity < 1 {
		apperrors.WriteBadRequest(w, r, "Transaction has no seat quantity")
		return
	}

	ev := entitlement.PurchaseEvent{
		TransactionID:  data.ID,
		SubscriptionID: data.SubscriptionID,
		UserID:         userID,
		Email:          data.CustomData.Email,
		OrgName:        data.CustomData.OrganizationName,
		Quantity:       quantity,
		Prorated:       data.Prorated(),
		OccurredAt:     event.OccurredAt,
	}
	if data.CustomData.OrganizationID != "" {
		orgID, err := uuid.Parse(data.CustomData.OrganizationID)
		if err != nil {
			apperrors.WriteBadRequest(w, r, "Invalid organizationId in custom data")
			return
		}
		ev.OrganizationID = &orgID
	}

	out, err := engine.HandlePurchaseCompleted(ctx, ev)
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidArgument) {
			apperrors.WriteBadRequest(w, r, err.Error())
			return
		}
		if errors.Is(err, entitlement.ErrOrgNotFound) {
			apperrors.WriteBadRequest(w, r, "Unknown organization")
			return
		}
		log.Error().Err(err).Str("transaction_id", data.ID).Msg("Failed to reconcile purchase")
		apperrors.WriteInternalError(w, r, "Failed to process transaction")
		return
	}

	apperrors.WriteSuccess(w, r, http.StatusOK, map[string]any{
		"processed":         true,
		"org_id":            out.Org.ID,
		"already_processed": out.AlreadyProcessed,
	})
}
