package creditgate

// Pricer computes the credit cost of a paid job. It must be deterministic:
// the same job always costs the same.
type Pricer interface {
	Price(job Job) (int64, error)
}

// PricerFunc adapts a function to a Pricer.
type PricerFunc func(job Job) (int64, error)

func (f PricerFunc) Price(job Job) (int64, error) { return f(job) }

// flatPricer charges the same amount for every job.
type flatPricer int64

func (p flatPricer) Price(Job) (int64, error) { return int64(p), nil }
