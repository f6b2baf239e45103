package fetcher

import (
	"context"
	"errors"

	"dolar-rate-alerts/internal/storage"
)

// ErrUpstream marks failures of the external rate provider. Fatal for the
// invocation that hit it; no state is mutated.
var ErrUpstream = errors.New("rate source unavailable")

// RateSource retrieves the current parallel and official exchange quotes.
type RateSource interface {
	FetchRates(ctx context.Context) (storage.RateSnapshot, error)
}
