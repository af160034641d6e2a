package twopc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txnsBegun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gameserver",
		Subsystem: "twopc",
		Name:      "transactions_begun_total",
		Help:      "Transactions started with this peer as coordinator.",
	}, []string{"kind"})

	txnsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gameserver",
		Subsystem: "twopc",
		Name:      "transactions_committed_total",
		Help:      "Transactions decided GLOBAL_COMMIT by this peer.",
	}, []string{"kind"})

	txnsAborted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gameserver",
		Subsystem: "twopc",
		Name:      "transactions_aborted_total",
		Help:      "Transactions decided GLOBAL_ABORT by this peer.",
	}, []string{"kind", "reason"})

	decideRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gameserver",
		Subsystem: "twopc",
		Name:      "decide_retries_total",
		Help:      "DECIDE deliveries that failed and were rescheduled.",
	})

	recoveryAdoptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gameserver",
		Subsystem: "twopc",
		Name:      "recovery_adoptions_total",
		Help:      "Orphaned transactions adopted by the recovery sweeper.",
	})

	blockedAborts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gameserver",
		Subsystem: "twopc",
		Name:      "recovery_blocked_aborts_total",
		Help:      "Blocked transactions force-aborted after the block deadline.",
	})
)
