package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/seatwise/seatwise/internal/entitlement"
	"github.com/seatwise/seatwise/internal/entitlement/enttest"
	"github.com/seatwise/seatwise/internal/paysig"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_0123456789abcdef"

var webhookTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newWebhookHandler(t *testing.T) (http.HandlerFunc, *enttest.Store) {
	t.Helper()
	store := enttest.New()
	engine := entitlement.NewEngineWithClock(store, 14, func() time.Time { return webhookTime })
	verifier := paysig.NewVerifier(testSecret, 5*time.Minute)
	return HandlePaymentWebhook(verifier, engine), store
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, paysig.Header(testSecret, time.Now().Unix(), []byte(body)))
	return req
}

func transactionBody(transactionID string, userID uuid.UUID, quantity int) string {
	return fmt.Sprintf(`{
		"event_type": "transaction.completed",
		"occurred_at": %q,
		"data": {
			"id": %q,
			"items": [{"quantity": %d}],
			"custom_data": {
				"userId": %q,
				"email": "buyer@example.com",
				"organizationName": "Webhook Co"
			}
		}
	}`, webhookTime.Format(time.RFC3339), transactionID, quantity, userID)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	body := transactionBody("txn-1", uuid.New(), 3)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader(body))
	req.Header.Set(SignatureHeader, paysig.Header("wrong-secret", time.Now().Unix(), []byte(body)))

	rec := httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// The handler is mounted without the JSON middleware group, so the
	// error envelope must carry its own content type.
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestWebhookProcessesTransactionCompleted(t *testing.T) {
	handler, store := newWebhookHandler(t)
	userID := uuid.New()

	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, transactionBody("txn-100", userID, 5)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Processed        bool      `json:"processed"`
			OrgID            uuid.UUID `json:"org_id"`
			AlreadyProcessed bool      `json:"already_processed"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Data.Processed)
	require.False(t, resp.Data.AlreadyProcessed)

	pool, err := store.GetPool(context.Background(), resp.Data.OrgID)
	require.NoError(t, err)
	require.Equal(t, 5, pool.TotalLicenses)
	require.Equal(t, 1, pool.UsedLicenses)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	handler, store := newWebhookHandler(t)
	userID := uuid.New()
	body := transactionBody("txn-replay", userID, 3)

	first := httptest.NewRecorder()
	handler(first, signedRequest(t, body))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler(second, signedRequest(t, body))
	require.Equal(t, http.StatusOK, second.Code)

	var resp struct {
		Data struct {
			OrgID            uuid.UUID `json:"org_id"`
			AlreadyProcessed bool      `json:"already_processed"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.True(t, resp.Data.AlreadyProcessed)

	pool, err := store.GetPool(context.Background(), resp.Data.OrgID)
	require.NoError(t, err)
	require.Equal(t, 3, pool.TotalLicenses, "replay must not add seats")
}

func TestWebhookRejectsMissingUserID(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	body := `{
		"event_type": "transaction.completed",
		"data": {
			"id": "txn-no-user",
			"items": [{"quantity": 2}],
			"custom_data": {"email": "x@example.com"}
		}
	}`
	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsZeroQuantity(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, transactionBody("txn-zero", uuid.New(), 0)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookIgnoresUnknownEventTypes(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	body := `{"event_type": "address.updated", "data": {}}`
	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ignored")
}

func TestWebhookAcknowledgesCancellation(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	body := `{"event_type": "subscription.canceled", "data": {"subscription_id": "sub-9"}}`
	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "acknowledged")
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	handler, _ := newWebhookHandler(t)

	rec := httptest.NewRecorder()
	handler(rec, signedRequest(t, `{"event_type": `))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
