package throttle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slotAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domain_slot_acquire_total",
		Help: "Slot acquire decisions",
	}, []string{"result"}) // granted / denied / error

	slotReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "domain_slot_release_total",
		Help: "Slot releases",
	}, []string{"result"}) // ok / noop / error

	slotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "domain_slots_in_use",
		Help: "Concurrent domain slots currently held",
	})

	backoffIncreases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "domain_backoff_increase_total",
		Help: "Domain backoff escalations",
	})
)
