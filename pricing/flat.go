package pricing

import (
	"fmt"

	"github.com/ineyio/creditgate"
)

// Flat charges the same number of credits for every job.
type Flat struct {
	Credits int64
}

var _ creditgate.Pricer = Flat{}

// Price returns the flat cost.
func (p Flat) Price(creditgate.Job) (int64, error) {
	if p.Credits <= 0 {
		return 0, fmt.Errorf("pricing: flat cost must be positive, got %d", p.Credits)
	}
	return p.Credits, nil
}
