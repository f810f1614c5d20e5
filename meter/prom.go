package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/creditgate"
)

// PromMeter exports billing events as Prometheus metrics.
// Account keys are never used as labels.
type PromMeter struct {
	Decisions       *prometheus.CounterVec   // by path
	Reservations    *prometheus.CounterVec   // by op, result
	ReservedCredits *prometheus.CounterVec   // by op
	Charges         *prometheus.CounterVec   // by path, result
	ChargedCredits  prometheus.Counter       // committed credits
	ChargeDuration  *prometheus.HistogramVec // by path
	ReplayedCharges prometheus.Counter
}

var _ creditgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the metrics with reg. A nil reg uses the default registerer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PromMeter{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_decisions_total",
				Help: "Access decisions by chosen path",
			},
			[]string{"path"},
		),
		Reservations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_reservations_total",
				Help: "Reservation transitions by operation and result",
			},
			[]string{"op", "result"}, // result: ok/error
		),
		ReservedCredits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_reservation_credits_total",
				Help: "Credits moved by successful reservation transitions",
			},
			[]string{"op"},
		),
		Charges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_charges_total",
				Help: "Charge calls by path and result",
			},
			[]string{"path", "result"},
		),
		ChargedCredits: f.NewCounter(
			prometheus.CounterOpts{
				Name: "creditgate_charged_credits_total",
				Help: "Credits charged by fresh paid requests",
			},
		),
		ChargeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditgate_charge_duration_seconds",
				Help:    "Duration of charge calls including the unit of work",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		ReplayedCharges: f.NewCounter(
			prometheus.CounterOpts{
				Name: "creditgate_replayed_charges_total",
				Help: "Charge calls answered from a stored outcome",
			},
		),
	}
}

func (m *PromMeter) OnDecision(e creditgate.DecisionEvent) {
	m.Decisions.WithLabelValues(string(e.Path)).Inc()
}

func (m *PromMeter) OnReservation(e creditgate.ReservationEvent) {
	if e.Error != nil {
		m.Reservations.WithLabelValues(string(e.Op), "error").Inc()
		return
	}
	m.Reservations.WithLabelValues(string(e.Op), "ok").Inc()
	m.ReservedCredits.WithLabelValues(string(e.Op)).Add(float64(e.Amount))
}

func (m *PromMeter) OnCharge(e creditgate.ChargeEvent) {
	path := string(e.Path)
	if path == "" {
		path = "none"
	}
	m.ChargeDuration.WithLabelValues(path).Observe(e.Duration.Seconds())

	if !e.Success {
		m.Charges.WithLabelValues(path, "error").Inc()
		return
	}
	m.Charges.WithLabelValues(path, "ok").Inc()
	if e.Replayed {
		m.ReplayedCharges.Inc()
		return
	}
	m.ChargedCredits.Add(float64(e.Charged))
}
