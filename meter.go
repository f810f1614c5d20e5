package creditgate

import "time"

// Meter observes billing events for monitoring/logging.
type Meter interface {
	// OnDecision is called when an access path is chosen.
	OnDecision(event DecisionEvent)

	// OnReservation is called on every reservation transition.
	OnReservation(event ReservationEvent)

	// OnCharge is called when a Charge call returns.
	OnCharge(event ChargeEvent)
}

// DecisionEvent describes an access decision.
type DecisionEvent struct {
	AccountKey string
	Path       AccessPath
	Cost       int64
	Reason     string
}

// ReservationOp names a reservation transition.
type ReservationOp string

const (
	OpReserve ReservationOp = "reserve"
	OpCommit  ReservationOp = "commit"
	OpRelease ReservationOp = "release"
	OpExpire  ReservationOp = "expire"
	OpReplay  ReservationOp = "replay"
)

// ReservationEvent describes a reservation transition or its failure.
type ReservationEvent struct {
	Op            ReservationOp
	AccountKey    string
	ReservationID string
	Amount        int64
	Error         error
}

// ChargeEvent describes the outcome of a Charge call.
type ChargeEvent struct {
	AccountKey string
	Path       AccessPath
	Charged    int64
	Replayed   bool
	Success    bool
	Duration   time.Duration
	Error      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnDecision(DecisionEvent)       {}
func (noopMeter) OnReservation(ReservationEvent) {}
func (noopMeter) OnCharge(ChargeEvent)           {}
