package mock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditgate"
)

// ErrExtractionFailed is returned once the extractor runs out of successful calls.
var ErrExtractionFailed = errors.New("mock: extraction failed")

// Extractor is a mock extraction worker for testing.
type Extractor struct {
	name         string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	payload      []byte
	responseFunc func(creditgate.ExtractRequest) (creditgate.ExtractResponse, error)
}

var _ creditgate.Extractor = (*Extractor)(nil)

// Option configures a mock Extractor.
type Option func(*Extractor)

// New creates a mock extractor with the given options.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		name:    "mock",
		payload: []byte(`{"format":"mock","fields":{}}`),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithName sets the extractor name.
func WithName(name string) Option {
	return func(e *Extractor) { e.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(e *Extractor) { e.latency = d }
}

// WithFailAfter makes the extractor fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(e *Extractor) { e.failAfter = n }
}

// WithError makes the extractor always return this error.
func WithError(err error) Option {
	return func(e *Extractor) { e.staticErr = err }
}

// WithPayload sets the payload returned by the mock.
func WithPayload(p []byte) Option {
	return func(e *Extractor) { e.payload = p }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(creditgate.ExtractRequest) (creditgate.ExtractResponse, error)) Option {
	return func(e *Extractor) { e.responseFunc = fn }
}

func (e *Extractor) Name() string { return e.name }

// Calls returns how many times Extract was invoked.
func (e *Extractor) Calls() int64 { return e.callCount.Load() }

func (e *Extractor) Extract(ctx context.Context, req creditgate.ExtractRequest) (creditgate.ExtractResponse, error) {
	count := e.callCount.Add(1)

	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return creditgate.ExtractResponse{}, ctx.Err()
		}
	}

	if e.staticErr != nil {
		return creditgate.ExtractResponse{}, e.staticErr
	}

	if e.failAfter > 0 && int(count) > e.failAfter {
		return creditgate.ExtractResponse{}, ErrExtractionFailed
	}

	if e.responseFunc != nil {
		return e.responseFunc(req)
	}

	return creditgate.ExtractResponse{Payload: e.payload}, nil
}
