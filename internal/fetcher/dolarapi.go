package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dolar-rate-alerts/internal/storage"
)

// DolarAPIOptions parameterise the DolarAPI fetcher.
type DolarAPIOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// DolarAPI fetches Venezuelan USD quotes from ve.dolarapi.com.
type DolarAPI struct {
	opts    DolarAPIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewDolarAPI constructs a DolarAPI fetcher.
func NewDolarAPI(opts DolarAPIOptions, logger zerolog.Logger) *DolarAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://ve.dolarapi.com/v1/dolares"
	}

	return &DolarAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type dolarQuote struct {
	Fuente   string          `json:"fuente"`
	Nombre   string          `json:"nombre"`
	Promedio decimal.Decimal `json:"promedio"`
}

// FetchRates retrieves both quotes in one upstream call. The response must
// carry an identifiable official (BCV) and parallel entry with positive
// averages; anything else is an upstream failure, there is no fallback to
// positional guessing or canned constants.
func (d *DolarAPI) FetchRates(ctx context.Context) (storage.RateSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL, nil)
	if err != nil {
		return storage.RateSnapshot{}, fmt.Errorf("%w: create request: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return storage.RateSnapshot{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.RateSnapshot{}, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return storage.RateSnapshot{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var quotes []dolarQuote
	if err := json.Unmarshal(payload, &quotes); err != nil {
		return storage.RateSnapshot{}, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	official, parallel := matchQuotes(quotes)
	if official == nil {
		return storage.RateSnapshot{}, fmt.Errorf("%w: no official quote in response", ErrUpstream)
	}
	if parallel == nil {
		return storage.RateSnapshot{}, fmt.Errorf("%w: no parallel quote in response", ErrUpstream)
	}
	if !official.Promedio.IsPositive() || !parallel.Promedio.IsPositive() {
		return storage.RateSnapshot{}, fmt.Errorf("%w: non-positive quote values", ErrUpstream)
	}

	snap := storage.RateSnapshot{
		Parallel:   parallel.Promedio,
		Official:   official.Promedio,
		ObservedAt: time.Now().UTC(),
	}

	d.logger.Debug().
		Str("parallel", snap.Parallel.String()).
		Str("official", snap.Official.String()).
		Str("official_source", official.Fuente).
		Str("parallel_source", parallel.Fuente).
		Msg("rates fetched")

	return snap, nil
}

func matchQuotes(quotes []dolarQuote) (official, parallel *dolarQuote) {
	for i := range quotes {
		q := &quotes[i]
		fuente := strings.ToLower(q.Fuente)
		nombre := strings.ToLower(q.Nombre)
		switch {
		case official == nil && (strings.Contains(fuente, "bcv") || strings.Contains(nombre, "oficial")):
			official = q
		case parallel == nil && (strings.Contains(fuente, "paralelo") || strings.Contains(nombre, "paralelo")):
			parallel = q
		}
	}
	return official, parallel
}

var _ RateSource = (*DolarAPI)(nil)
