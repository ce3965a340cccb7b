package subscriptions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/logging"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/auditlog"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

// Client-facing error codes.
const (
	codeInvalidPackage   = "SUB_001"
	codePaymentFailed    = "SUB_002"
	codeAlreadyActive    = "SUB_003"
	codeNoActiveSub      = "SUB_004"
	codeAlreadyCancelled = "SUB_005"
	codeNoPurchases      = "SUB_006"
	codeCancelNotApplied = "SUB_007"

	codeUnauthorized = "UNAUTHORIZED"
	codeValidation   = "VALIDATION_ERROR"
	codeNotFound     = "NOT_FOUND"
	codeUnavailable  = "SERVICE_UNAVAILABLE"
	codeConflict     = "CONFLICT"
	codeRateLimit    = "RATE_LIMIT"
	codeInternal     = "INTERNAL_ERROR"
)

const clientBodyLimit = 64 * 1024

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type subscriptionResponse struct {
	Outcome      engine.Disposition `json:"outcome,omitempty"`
	Subscription entitlements.State `json:"subscription"`
	Features     []string           `json:"unlocked_features"`
	Limits       map[string]int64   `json:"limits"`
}

type cancelResponse struct {
	Subscription  entitlements.State `json:"subscription"`
	DaysRemaining int                `json:"days_remaining"`
	Message       string             `json:"message"`
}

func newSubscriptionResponse(res engine.Result) subscriptionResponse {
	tier := res.State.Tier
	if !res.State.HasPaidAccess() {
		tier = entitlements.TierFree
	}
	return subscriptionResponse{
		Outcome:      res.Disposition,
		Subscription: res.State,
		Features:     entitlements.FeaturesFor(tier),
		Limits:       entitlements.LimitsFor(tier),
	}
}

// handlePurchase verifies a client purchase with the billing authority.
func handlePurchase(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auditlog.UserID(r)

		var req engine.PurchaseRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
			return
		}
		req.ProductID = strings.TrimSpace(req.ProductID)
		if req.ProductID == "" {
			writeError(w, http.StatusBadRequest, codeValidation, "product_id is required")
			return
		}

		res, err := eng.Purchase(r.Context(), userID, req)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		logging.FromContext(r.Context()).Info().
			Str("user_id", userID).
			Str("product_id", req.ProductID).
			Str("platform", req.Platform).
			Str("outcome", string(res.Disposition)).
			Msg("Purchase verified")
		writeJSON(w, http.StatusOK, newSubscriptionResponse(res))
	}
}

// handleRestore restores purchases known to the billing authority.
func handleRestore(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auditlog.UserID(r)

		var req map[string]string
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
			return
		}

		res, err := eng.Restore(r.Context(), userID, req["platform"])
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSubscriptionResponse(res))
	}
}

// handleCancel turns off auto-renew; access lasts until expiry.
func handleCancel(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auditlog.UserID(r)

		res, err := eng.Cancel(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelResponse{
			Subscription:  res.State,
			DaysRemaining: res.DaysRemaining,
			Message:       "Subscription cancelled. Access continues until " + expiryText(res.State) + ".",
		})
	}
}

func expiryText(st entitlements.State) string {
	if st.ExpiresAt == nil {
		return "the end of the billing period"
	}
	return st.ExpiresAt.UTC().Format("2006-01-02")
}

// handleStatus returns the entitlement snapshot. With force_refresh the
// authority is consulted first; if it cannot be reached the local view is
// served.
func handleStatus(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auditlog.UserID(r)
		logger := logging.FromContext(r.Context())

		if force, _ := strconv.ParseBool(r.URL.Query().Get("force_refresh")); force {
			if _, err := eng.SyncUser(r.Context(), userID, entitlements.SourceClient, ""); err != nil {
				if !errors.Is(err, internalerrors.ErrNotFound) {
					logger.Warn().Err(err).Str("user_id", userID).Msg("Forced refresh failed; serving local entitlements")
				}
			}
		}

		snap, err := eng.GetEntitlementSnapshot(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// handleFeature answers a feature-gate query.
func handleFeature(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auditlog.UserID(r)

		access, err := eng.CheckFeatureAccess(r.Context(), userID, r.PathValue("feature"))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		status := http.StatusOK
		if !access.Allowed {
			status = http.StatusForbidden
		}
		writeJSON(w, status, access)
	}
}

// handlePackages serves the paywall catalogue.
func handlePackages(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cat, err := eng.Packages(r.Context(), auditlog.UserID(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cat)
	}
}

type allFeaturesResponse struct {
	Tier     entitlements.Tier `json:"tier"`
	Features []engine.Access   `json:"features"`
}

// handleAllFeatures answers every feature gate at once.
func handleAllFeatures(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, err := eng.AllFeatureAccess(r.Context(), auditlog.UserID(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		resp := allFeaturesResponse{Tier: entitlements.TierFree, Features: access}
		if len(access) > 0 {
			resp.Tier = access[0].CurrentTier
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeEngineError maps engine errors onto client responses. Internal
// details are logged, never returned.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownProduct):
		writeError(w, http.StatusBadRequest, codeInvalidPackage, "Invalid subscription package")
		return
	case errors.Is(err, engine.ErrPurchaseNotVerified):
		writeError(w, http.StatusPaymentRequired, codePaymentFailed, "Purchase could not be verified")
		return
	case errors.Is(err, engine.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, codeAlreadyActive, "Active subscription already exists")
		return
	case errors.Is(err, engine.ErrNoSubscription):
		writeError(w, http.StatusBadRequest, codeNoActiveSub, "No active subscription to cancel")
		return
	case errors.Is(err, engine.ErrAlreadyCancelled):
		writeError(w, http.StatusBadRequest, codeAlreadyCancelled, "Subscription is already cancelled")
		return
	case errors.Is(err, engine.ErrCancelNotApplied):
		writeError(w, http.StatusConflict, codeCancelNotApplied, "Subscription could not be cancelled in its current state")
		return
	case errors.Is(err, engine.ErrNothingToRestore):
		writeError(w, http.StatusNotFound, codeNoPurchases, "No purchases found to restore")
		return
	case errors.Is(err, engine.ErrUnknownFeature):
		writeError(w, http.StatusNotFound, codeNotFound, "Unknown feature")
		return
	}

	logger := logging.FromContext(r.Context())
	switch internalerrors.Classify(err) {
	case internalerrors.ErrorTypeTransient:
		logger.Warn().Err(err).Str("path", auditlog.RequestPath(r)).Msg("Billing authority unavailable")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "Billing service temporarily unavailable")
	case internalerrors.ErrorTypeConflict:
		logger.Warn().Err(err).Str("path", auditlog.RequestPath(r)).Msg("Entitlement update contended")
		writeError(w, http.StatusServiceUnavailable, codeConflict, "Entitlements are being updated, retry shortly")
	case internalerrors.ErrorTypeMalformed:
		writeError(w, http.StatusBadRequest, codeValidation, "Request could not be applied")
	case internalerrors.ErrorTypeNotFound:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found")
	default:
		logger.Error().Err(err).Str("path", auditlog.RequestPath(r)).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, clientBodyLimit)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
