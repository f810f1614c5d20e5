package meter

import (
	"log/slog"

	"github.com/ineyio/creditgate"
)

// LogMeter logs billing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e creditgate.DecisionEvent) {
	m.Logger.Info("decision",
		"account", e.AccountKey,
		"path", e.Path,
		"cost", e.Cost,
		"reason", e.Reason,
	)
}

func (m *LogMeter) OnReservation(e creditgate.ReservationEvent) {
	if e.Error != nil {
		m.Logger.Warn("reservation_error",
			"op", e.Op,
			"account", e.AccountKey,
			"reservation", e.ReservationID,
			"amount", e.Amount,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("reservation",
		"op", e.Op,
		"account", e.AccountKey,
		"reservation", e.ReservationID,
		"amount", e.Amount,
	)
}

func (m *LogMeter) OnCharge(e creditgate.ChargeEvent) {
	if e.Success {
		m.Logger.Info("charge",
			"account", e.AccountKey,
			"path", e.Path,
			"charged", e.Charged,
			"replayed", e.Replayed,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("charge_error",
			"account", e.AccountKey,
			"path", e.Path,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
