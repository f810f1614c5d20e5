package pricing

import (
	"fmt"
	"sort"

	"github.com/ineyio/creditgate"
)

// Buckets prices a job as the base credits of its category plus the
// surcharge of the first size bucket that fits it.
type Buckets struct {
	defaultCredits int64
	categories     map[string]int64
	buckets        []creditgate.SizeBucket
}

var _ creditgate.Pricer = (*Buckets)(nil)

// NewBuckets creates a category and size bucket pricer. Buckets are sorted
// by MaxBytes ascending with the unbounded bucket (MaxBytes 0) last.
func NewBuckets(defaultCredits int64, categories map[string]int64, buckets []creditgate.SizeBucket) *Buckets {
	sorted := make([]creditgate.SizeBucket, len(buckets))
	copy(sorted, buckets)

	sort.SliceStable(sorted, func(i, j int) bool {
		bi, bj := sorted[i], sorted[j]

		// Unbounded last.
		if (bi.MaxBytes == 0) != (bj.MaxBytes == 0) {
			return bj.MaxBytes == 0
		}
		return bi.MaxBytes < bj.MaxBytes
	})

	cats := make(map[string]int64, len(categories))
	for k, v := range categories {
		cats[k] = v
	}

	return &Buckets{defaultCredits: defaultCredits, categories: cats, buckets: sorted}
}

// Price returns the cost of job.
func (p *Buckets) Price(job creditgate.Job) (int64, error) {
	if job.SizeBytes < 0 {
		return 0, fmt.Errorf("pricing: negative size %d", job.SizeBytes)
	}

	base, ok := p.categories[job.Category]
	if !ok {
		base = p.defaultCredits
	}

	var surcharge int64
	matched := len(p.buckets) == 0
	for _, b := range p.buckets {
		if b.MaxBytes == 0 || job.SizeBytes <= b.MaxBytes {
			surcharge = b.Credits
			matched = true
			break
		}
	}
	if !matched {
		return 0, fmt.Errorf("pricing: no size bucket for %d bytes", job.SizeBytes)
	}

	cost := base + surcharge
	if cost <= 0 {
		return 0, fmt.Errorf("pricing: no price for category %q", job.Category)
	}
	return cost, nil
}

// FromConfig builds the pricer described by cfg. Without categories or
// buckets it is Flat at the default credits, falling back to one credit.
func FromConfig(cfg creditgate.PricingConfig) creditgate.Pricer {
	if len(cfg.Categories) == 0 && len(cfg.SizeBuckets) == 0 {
		credits := cfg.DefaultCredits
		if credits <= 0 {
			credits = 1
		}
		return Flat{Credits: credits}
	}
	return NewBuckets(cfg.DefaultCredits, cfg.Categories, cfg.SizeBuckets)
}
