package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletops/internal/domain"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfer requests handled by the engine, labeled by outcome",
	}, []string{"outcome"})

	conflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_balance_conflict_retries_total",
		Help: "Balance compare-and-swap attempts rejected by a version conflict",
	})

	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Sender refunds after a failed receiver credit, labeled by result",
	}, []string{"result"})

	incidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_incidents_total",
		Help: "Partially applied transfers escalated for reconciliation",
	}, []string{"kind"})
)

func outcomeLabel(res *domain.TransferResult, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "completed"
	case res != nil && res.Replayed:
		return "replayed_failure"
	}
	return domain.Code(err)
}
