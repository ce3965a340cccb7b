package revenuecat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/logging"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Processor is the part of the engine the webhook handler drives.
type Processor interface {
	ResolveUser(ctx context.Context, candidates ...string) (string, error)
	ProcessWebhook(ctx context.Context, ev entitlements.Event) (engine.Result, error)
}

// WebhookHandler handles incoming RevenueCat webhook events.
type WebhookHandler struct {
	secret    string
	processor Processor
	now       func() time.Time
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// WebhookBody is the RevenueCat webhook envelope.
type WebhookBody struct {
	APIVersion string       `json:"api_version"`
	Event      WebhookEvent `json:"event"`
}

// WebhookEvent is the subset of a RevenueCat event the engine uses.
type WebhookEvent struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	AppUserID         string   `json:"app_user_id"`
	OriginalAppUserID string   `json:"original_app_user_id"`
	Aliases           []string `json:"aliases"`
	ProductID         string   `json:"product_id"`
	NewProductID      string   `json:"new_product_id"`
	EntitlementIDs    []string `json:"entitlement_ids"`
	EntitlementID     string   `json:"entitlement_id"`
	PeriodType        string   `json:"period_type"`
	PurchasedAtMs     *int64   `json:"purchased_at_ms"`
	ExpirationAtMs    *int64   `json:"expiration_at_ms"`
	EventTimestampMs  *int64   `json:"event_timestamp_ms"`
	Store             string   `json:"store"`
	Environment       string   `json:"environment"`
	TransactionID     string   `json:"transaction_id"`
	CancelReason      string   `json:"cancel_reason"`
	ExpirationReason  string   `json:"expiration_reason"`
}

var eventTypes = map[string]entitlements.EventType{
	"INITIAL_PURCHASE": entitlements.EventInitialPurchase,
	"RENEWAL":          entitlements.EventRenewal,
	"CANCELLATION":     entitlements.EventCancellation,
	"UNCANCELLATION":   entitlements.EventUncancellation,
	"EXPIRATION":       entitlements.EventExpiration,
	"BILLING_ISSUE":    entitlements.EventBillingIssue,
	"PRODUCT_CHANGE":   entitlements.EventProductChange,
}

// NewWebhookHandler creates a RevenueCat webhook HTTP handler.
func NewWebhookHandler(secret string, processor Processor) *WebhookHandler {
	return &WebhookHandler{
		secret:    secret,
		processor: processor,
		now:       time.Now,
	}
}

// ServeHTTP authenticates the request, ledgers the event and applies it.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		submetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		submetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}
	if !h.authorized(r.Header.Get("Authorization")) {
		status = http.StatusUnauthorized
		writeJSON(w, status, webhookErrorResponse{Error: "unauthorized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	var body WebhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid JSON payload"})
		return
	}

	rcEvent := body.Event
	if logging.IsLevelEnabled(zerolog.DebugLevel) {
		log.Debug().Str("event_id", rcEvent.ID).RawJSON("payload", payload).Msg("RevenueCat webhook received")
	}
	if strings.TrimSpace(rcEvent.Type) == "" {
		log.Info().Str("event_id", rcEvent.ID).Msg("RevenueCat webhook without event type acknowledged")
		writeJSON(w, status, webhookReceivedResponse{Received: true})
		return
	}
	eventType = strings.ToUpper(strings.TrimSpace(rcEvent.Type))
	if strings.TrimSpace(rcEvent.ID) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing event id"})
		return
	}

	candidates := append([]string{rcEvent.AppUserID, rcEvent.OriginalAppUserID}, rcEvent.Aliases...)
	userID, err := h.processor.ResolveUser(r.Context(), candidates...)
	if err != nil {
		log.Error().Err(err).Str("event_id", rcEvent.ID).Msg("RevenueCat webhook user lookup failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	ev := h.toEvent(rcEvent, userID, payload)
	res, err := h.processor.ProcessWebhook(r.Context(), ev)
	switch {
	case err == nil:
	case errors.Is(err, internalerrors.ErrMalformedEvent):
		// Ledgered for audit; retrying cannot fix it.
		log.Warn().Err(err).Str("event_id", ev.ID).Str("type", eventType).Msg("RevenueCat webhook event rejected")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: string(engine.DispositionRejected)})
		return
	default:
		log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("type", eventType).
			Str("user_id", userID).
			Msg("RevenueCat webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{
		Received:  true,
		Duplicate: res.Disposition == engine.DispositionDuplicate,
		Outcome:   string(res.Disposition),
	})
}

// authorized compares the Authorization header with the shared secret. The
// secret may be configured with or without a "Bearer " prefix.
func (h *WebhookHandler) authorized(header string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	secret := strings.TrimSpace(h.secret)
	if subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1 {
		return true
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	secret = strings.TrimPrefix(secret, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) == 1
}

func (h *WebhookHandler) toEvent(rc WebhookEvent, userID string, payload []byte) entitlements.Event {
	rawType := strings.ToUpper(strings.TrimSpace(rc.Type))
	typ, ok := eventTypes[rawType]
	if !ok {
		typ = entitlements.EventType(strings.ToLower(rawType))
	}

	productID := rc.ProductID
	if typ == entitlements.EventProductChange && strings.TrimSpace(rc.NewProductID) != "" {
		productID = rc.NewProductID
	}

	ids := rc.EntitlementIDs
	if len(ids) == 0 && rc.EntitlementID != "" {
		ids = []string{rc.EntitlementID}
	}

	ev := entitlements.Event{
		ID:           strings.TrimSpace(rc.ID),
		UserID:       userID,
		Type:         typ,
		Source:       entitlements.SourceWebhook,
		ObservedAt:   h.now().UTC(),
		ProductID:    productID,
		Entitlements: ids,
		PurchasedAt:  msPtr(rc.PurchasedAtMs),
		ExpiresAt:    msPtr(rc.ExpirationAtMs),
		SubscriberID: strings.TrimSpace(rc.AppUserID),
		RawType:      rawType,
		Payload:      payload,
	}
	if at := msPtr(rc.EventTimestampMs); at != nil {
		ev.OccurredAt = *at
	}
	if strings.HasPrefix(ev.SubscriberID, anonymousPrefix) {
		ev.SubscriberID = strings.TrimSpace(rc.OriginalAppUserID)
	}
	return ev
}

const anonymousPrefix = "$RCAnonymousID:"

func msPtr(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("revenuecat: encode webhook response")
	}
}
