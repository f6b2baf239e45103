package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	createSubscribersSQL = `CREATE TABLE IF NOT EXISTS subscribers (
        position         BIGINT GENERATED ALWAYS AS IDENTITY,
        id               TEXT PRIMARY KEY,
        display_name     TEXT,
        channel          TEXT NOT NULL DEFAULT 'telegram',
        threshold_pct    NUMERIC(10,4) NOT NULL,
        subscribed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
        last_notified_at TIMESTAMPTZ
    );`

	upsertSubscriberSQL = `INSERT INTO subscribers (
        id,
        display_name,
        channel,
        threshold_pct,
        subscribed_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (id) DO UPDATE
    SET
        display_name  = EXCLUDED.display_name,
        channel       = EXCLUDED.channel,
        threshold_pct = EXCLUDED.threshold_pct
    RETURNING id, display_name, channel, threshold_pct, subscribed_at, last_notified_at;`

	listSubscribersSQL = `SELECT
        id,
        display_name,
        channel,
        threshold_pct,
        subscribed_at,
        last_notified_at
    FROM subscribers
    ORDER BY position;`

	removeSubscriberSQL = `DELETE FROM subscribers WHERE id = $1;`

	countSubscribersSQL = `SELECT COUNT(*) FROM subscribers;`
)

// SubscriberRepo persists subscribers in PostgreSQL.
type SubscriberRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriberRepo wires a pgx pool into a SubscriberRepo.
func NewSubscriberRepo(pool *pgxpool.Pool) *SubscriberRepo {
	return &SubscriberRepo{pool: pool}
}

// Close releases the underlying pool resources.
func (r *SubscriberRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// EnsureSchema creates the subscribers table when absent.
func (r *SubscriberRepo) EnsureSchema(ctx context.Context) error {
	pool, err := r.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, createSubscribersSQL); execErr != nil {
		return fmt.Errorf("ensure subscribers schema: %w", execErr)
	}
	return nil
}

func (r *SubscriberRepo) getPool() (*pgxpool.Pool, error) {
	if r == nil || r.pool == nil {
		return nil, ErrNotConfigured
	}
	return r.pool, nil
}

// UpsertSubscriber creates the record or replaces its mutable fields,
// preserving the original subscribed_at on update.
func (r *SubscriberRepo) UpsertSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	pool, err := r.getPool()
	if err != nil {
		return Subscriber{}, err
	}

	subscribedAt := sub.SubscribedAt
	if subscribedAt.IsZero() {
		subscribedAt = time.Now().UTC()
	}

	var name interface{}
	if sub.DisplayName != "" {
		name = sub.DisplayName
	}

	row := pool.QueryRow(ctx, upsertSubscriberSQL,
		sub.ID,
		name,
		sub.Channel,
		sub.ThresholdPct.String(),
		subscribedAt,
	)

	stored, scanErr := scanSubscriber(row)
	if scanErr != nil {
		return Subscriber{}, fmt.Errorf("upsert subscriber: %w", scanErr)
	}
	return stored, nil
}

// ListSubscribers returns all subscribers in insertion order.
func (r *SubscriberRepo) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	pool, err := r.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSubscribersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribers: %w", queryErr)
	}
	defer rows.Close()

	subs := make([]Subscriber, 0)
	for rows.Next() {
		sub, scanErr := scanSubscriber(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// RemoveSubscriber deletes by id, reporting whether a record existed.
func (r *SubscriberRepo) RemoveSubscriber(ctx context.Context, id string) (bool, error) {
	pool, err := r.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, removeSubscriberSQL, id)
	if execErr != nil {
		return false, fmt.Errorf("remove subscriber: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// CountSubscribers counts stored subscribers.
func (r *SubscriberRepo) CountSubscribers(ctx context.Context) (int64, error) {
	pool, err := r.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSubscribersSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count subscribers: %w", scanErr)
	}
	return count, nil
}

func scanSubscriber(row pgx.Row) (Subscriber, error) {
	var (
		id           string
		name         sql.NullString
		channel      string
		thresholdStr string
		subscribedAt time.Time
		lastNotified sql.NullTime
	)

	if err := row.Scan(&id, &name, &channel, &thresholdStr, &subscribedAt, &lastNotified); err != nil {
		return Subscriber{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return Subscriber{}, fmt.Errorf("parse threshold pct: %w", err)
	}

	sub := Subscriber{
		ID:           id,
		Channel:      channel,
		ThresholdPct: threshold,
		SubscribedAt: subscribedAt,
	}
	if name.Valid {
		sub.DisplayName = name.String
	}
	if lastNotified.Valid {
		ts := lastNotified.Time
		sub.LastNotifiedAt = &ts
	}
	return sub, nil
}

var _ SubscriberStore = (*SubscriberRepo)(nil)
