package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Delivery channels a subscriber can be notified on.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
)

var (
	// ErrSnapshotNotFound indicates no rate snapshot has been persisted yet.
	ErrSnapshotNotFound = errors.New("storage: rate snapshot not found")
	// ErrSubscriberNotFound indicates the subscriber id is unknown.
	ErrSubscriberNotFound = errors.New("storage: subscriber not found")
	// ErrNotConfigured indicates the backing store was not initialised.
	ErrNotConfigured = errors.New("storage: store not configured")
)

// RateSnapshot is the last observed pair of exchange quotes.
type RateSnapshot struct {
	Parallel   decimal.Decimal `json:"parallel"`
	Official   decimal.Decimal `json:"official"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Valid reports whether both quotes carry positive values.
func (s RateSnapshot) Valid() bool {
	return s.Parallel.IsPositive() && s.Official.IsPositive()
}

// Subscriber is a notification recipient keyed by its channel identifier
// (Telegram chat id or WhatsApp phone number).
type Subscriber struct {
	ID             string
	DisplayName    string
	Channel        string
	ThresholdPct   decimal.Decimal
	SubscribedAt   time.Time
	// LastNotifiedAt is stored and scanned but not yet written: check runs
	// read subscriber records without mutating them. Reserved for a future
	// rate-limiting pass over repeat alerts.
	LastNotifiedAt *time.Time
}

// RateStateStore owns the single current snapshot row.
type RateStateStore interface {
	GetSnapshot(ctx context.Context) (RateSnapshot, error)
	SetSnapshot(ctx context.Context, snap RateSnapshot) error
	DeleteSnapshot(ctx context.Context) error
}

// SubscriberStore owns the subscriber collection.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	UpsertSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error)
	RemoveSubscriber(ctx context.Context, id string) (bool, error)
	CountSubscribers(ctx context.Context) (int64, error)
}

// RunLocker guards against overlapping check runs on the same snapshot key.
type RunLocker interface {
	TryRunLock(ctx context.Context, ttl time.Duration) (unlock func(), acquired bool, err error)
}
