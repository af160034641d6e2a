package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var casConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gameserver",
	Subsystem: "store",
	Name:      "cas_conflicts_total",
	Help:      "Optimistic transaction conflicts per store operation.",
}, []string{"op"})
