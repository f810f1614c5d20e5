package meter

import "github.com/ineyio/creditgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(creditgate.DecisionEvent)       {}
func (m *NoopMeter) OnReservation(creditgate.ReservationEvent) {}
func (m *NoopMeter) OnCharge(creditgate.ChargeEvent)           {}

// Multi fans events out to several meters.
type Multi []creditgate.Meter

var _ creditgate.Meter = Multi(nil)

func (m Multi) OnDecision(e creditgate.DecisionEvent) {
	for _, mm := range m {
		mm.OnDecision(e)
	}
}

func (m Multi) OnReservation(e creditgate.ReservationEvent) {
	for _, mm := range m {
		mm.OnReservation(e)
	}
}

func (m Multi) OnCharge(e creditgate.ChargeEvent) {
	for _, mm := range m {
		mm.OnCharge(e)
	}
}
