package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
)

func TestFlat(t *testing.T) {
	cost, err := Flat{Credits: 3}.Price(creditgate.Job{Category: "image", SizeBytes: 1 << 30})
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	_, err = Flat{}.Price(creditgate.Job{})
	assert.Error(t, err)
}

func TestBuckets_CategoryAndSize(t *testing.T) {
	p := NewBuckets(1,
		map[string]int64{"image": 1, "video": 5},
		[]creditgate.SizeBucket{
			{MaxBytes: 0, Credits: 4},
			{MaxBytes: 10 << 20, Credits: 0},
			{MaxBytes: 100 << 20, Credits: 2},
		},
	)

	tests := []struct {
		name string
		job  creditgate.Job
		want int64
	}{
		{"small image", creditgate.Job{Category: "image", SizeBytes: 1 << 20}, 1},
		{"medium image", creditgate.Job{Category: "image", SizeBytes: 50 << 20}, 3},
		{"huge video", creditgate.Job{Category: "video", SizeBytes: 1 << 30}, 9},
		{"unknown category", creditgate.Job{Category: "audio", SizeBytes: 10 << 20}, 1},
		{"boundary", creditgate.Job{Category: "image", SizeBytes: 100 << 20}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Price(tt.job)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuckets_Deterministic(t *testing.T) {
	p := NewBuckets(2, nil, []creditgate.SizeBucket{{MaxBytes: 1024, Credits: 1}, {Credits: 3}})
	job := creditgate.Job{Category: "doc", SizeBytes: 4096}

	first, err := p.Price(job)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := p.Price(job)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestBuckets_NoMatchingBucket(t *testing.T) {
	p := NewBuckets(1, nil, []creditgate.SizeBucket{{MaxBytes: 1024, Credits: 1}})
	_, err := p.Price(creditgate.Job{SizeBytes: 2048})
	assert.Error(t, err)
}

func TestBuckets_NegativeSize(t *testing.T) {
	p := NewBuckets(1, nil, nil)
	_, err := p.Price(creditgate.Job{SizeBytes: -1})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	flat := FromConfig(creditgate.PricingConfig{})
	cost, err := flat.Price(creditgate.Job{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	buckets := FromConfig(creditgate.PricingConfig{
		DefaultCredits: 2,
		Categories:     map[string]int64{"raw": 4},
	})
	cost, err = buckets.Price(creditgate.Job{Category: "raw"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), cost)
}
