package reconcile

import (
	"context"
	"time"

	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

var (
	knownTiers    = []entitlements.Tier{entitlements.TierFree, entitlements.TierMonthly, entitlements.TierAnnual}
	knownStatuses = []entitlements.Status{
		entitlements.StatusActive,
		entitlements.StatusTrial,
		entitlements.StatusCancelled,
		entitlements.StatusExpired,
		entitlements.StatusBillingIssue,
	}
)

func (s *Scheduler) runStateMetrics(ctx context.Context) {
	ticker := time.NewTicker(stateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	s.updateStateGauges(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateStateGauges(ctx)
		}
	}
}

func (s *Scheduler) updateStateGauges(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update entitlement state metrics")
		return
	}

	// Stable label set for known combinations.
	for _, tier := range knownTiers {
		for _, status := range knownStatuses {
			submetrics.EntitlementsByState.WithLabelValues(string(tier), string(status)).Set(float64(counts[tier][status]))
		}
	}

	for tier, byStatus := range counts {
		for status, n := range byStatus {
			submetrics.EntitlementsByState.WithLabelValues(string(tier), string(status)).Set(float64(n))
		}
	}
}
