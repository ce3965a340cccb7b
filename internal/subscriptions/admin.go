package subscriptions

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/logging"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/auditlog"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/engine"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/reconcile"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog"
)

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobRunner runs one reconciliation job on demand.
type JobRunner interface {
	RunOnce(ctx context.Context, job reconcile.Job) (reconcile.Report, error)
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			logging.FromContext(r.Context()).Warn().
				Str("ip", auditlog.ClientIP(r)).
				Str("path", auditlog.RequestPath(r)).
				Msg("Rejected admin request")
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireUser rejects client requests the gateway did not authenticate.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auditlog.UserID(r) == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing authenticated user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestID attaches the HTTP logger and a request id to the context and
// echoes the id back.
func withRequestID(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithLogger(r.Context(), logger)
		ctx, id := logging.WithRequestID(ctx, r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type eventsResponse struct {
	UserID string              `json:"user_id"`
	Events []store.LedgerEntry `json:"events"`
	Count  int                 `json:"count"`
}

type historyResponse struct {
	UserID  string               `json:"user_id"`
	History []store.HistoryEntry `json:"history"`
	Count   int                  `json:"count"`
}

func handleAdminEvents(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		events, err := eng.Events(r.Context(), userID, limitParam(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		if events == nil {
			events = []store.LedgerEntry{}
		}
		writeJSON(w, http.StatusOK, eventsResponse{UserID: userID, Events: events, Count: len(events)})
	}
}

func handleAdminHistory(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		history, err := eng.History(r.Context(), userID, limitParam(r))
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		if history == nil {
			history = []store.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, historyResponse{UserID: userID, History: history, Count: len(history)})
	}
}

type adminStateResponse struct {
	engine.Snapshot
	LastConfirmedAt *time.Time `json:"last_confirmed_at"`
}

func handleAdminState(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		snap, err := eng.GetEntitlementSnapshot(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		confirmed, err := eng.LastConfirmed(r.Context(), userID)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, adminStateResponse{Snapshot: snap, LastConfirmedAt: confirmed})
	}
}

// handleAdminSync forces an authority re-sync for one user.
func handleAdminSync(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		res, err := eng.SyncUser(r.Context(), userID, entitlements.SourceScheduler, "")
		if err != nil {
			if errors.Is(err, internalerrors.ErrNotFound) {
				writeError(w, http.StatusNotFound, codeNotFound, "subscriber not known to the billing authority")
				return
			}
			writeEngineError(w, r, err)
			return
		}
		logging.FromContext(r.Context()).Info().
			Str("user_id", userID).
			Str("outcome", string(res.Disposition)).
			Str("ip", auditlog.ClientIP(r)).
			Msg("Admin re-sync")
		writeJSON(w, http.StatusOK, res)
	}
}

// handleRunJob triggers a reconciliation job and waits for its report.
func handleRunJob(jobs JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := reconcile.ParseJob(r.PathValue("job"))
		if err != nil {
			writeError(w, http.StatusNotFound, codeNotFound, "unknown job")
			return
		}

		report, err := jobs.RunOnce(r.Context(), job)
		switch {
		case errors.Is(err, reconcile.ErrJobRunning):
			writeError(w, http.StatusConflict, codeConflict, "job already running")
		case err != nil:
			logging.FromContext(r.Context()).Error().Err(err).Str("job", string(job)).Msg("Manual reconciliation job failed")
			writeError(w, http.StatusInternalServerError, codeInternal, "job failed")
		default:
			logging.FromContext(r.Context()).Info().
				Str("job", string(job)).
				Str("ip", auditlog.ClientIP(r)).
				Msg("Manual reconciliation job completed")
			writeJSON(w, http.StatusOK, report)
		}
	}
}

// securityHeaders sets response headers for a JSON-only API. Nothing served
// here is meant to be framed, sniffed or cached by intermediaries.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
