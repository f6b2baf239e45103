package engine

import (
	"time"

	"dolar-rate-alerts/internal/storage"
)

// Rates is the JSON shape of a snapshot's quote pair.
type Rates struct {
	Parallel float64 `json:"parallel"`
	Official float64 `json:"official"`
}

func ratesOf(snap storage.RateSnapshot) Rates {
	return Rates{
		Parallel: snap.Parallel.InexactFloat64(),
		Official: snap.Official.InexactFloat64(),
	}
}

// Outcome is the per-subscriber delivery result. Outcomes are independent:
// one subscriber's failure never affects another's entry.
type Outcome struct {
	SubscriberID string `json:"subscriberId"`
	Channel      string `json:"channel"`
	Success      bool   `json:"success"`
	MessageRef   string `json:"messageRef,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report aggregates one detection run. Ephemeral: returned to the caller,
// never persisted.
type Report struct {
	Success                bool      `json:"success"`
	FirstRun               bool      `json:"firstRun"`
	Notified               bool      `json:"notified"`
	RunID                  string    `json:"runId"`
	CurrentRates           Rates     `json:"currentRates"`
	PreviousRates          *Rates    `json:"previousRates,omitempty"`
	PercentChange          float64   `json:"percentChange"`
	AbsChange              float64   `json:"absChange"`
	Threshold              float64   `json:"threshold"`
	TotalSubscribers       int       `json:"totalSubscribers"`
	Qualifying             int       `json:"qualifying"`
	Skipped                int       `json:"skipped"`
	NotificationsSent      int       `json:"notificationsSent"`
	NotificationsFailed    int       `json:"notificationsFailed"`
	SubscriberListDegraded bool      `json:"subscriberListDegraded,omitempty"`
	Outcomes               []Outcome `json:"outcomes,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}
