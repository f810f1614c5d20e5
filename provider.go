package creditgate

import (
	"context"
	"fmt"
)

// Extractor is the interface that extraction worker adapters must implement.
type Extractor interface {
	// Name returns the extractor identifier (e.g. "exiftool", "mock").
	Name() string

	// Extract runs the worker on one file. It must honor ctx cancellation.
	Extract(ctx context.Context, req ExtractRequest) (ExtractResponse, error)
}

// ExtractRequest is the request sent to an extractor.
type ExtractRequest struct {
	Path string
	Tier string
}

// ExtractResponse is the structured result of an extraction.
type ExtractResponse struct {
	Payload []byte // JSON metadata document
}

// ExtractionWork turns one extraction into a UnitOfWork.
func ExtractionWork(ex Extractor, req ExtractRequest) UnitOfWork {
	return func(ctx context.Context) (Result, error) {
		resp, err := ex.Extract(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("creditgate: extractor %s: %w", ex.Name(), err)
		}
		return Result{Payload: resp.Payload}, nil
	}
}
