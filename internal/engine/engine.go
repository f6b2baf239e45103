package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dolar-rate-alerts/internal/fetcher"
	"dolar-rate-alerts/internal/metrics"
	"dolar-rate-alerts/internal/notify"
	"dolar-rate-alerts/internal/storage"
)

// ErrRunInProgress signals another invocation currently holds the run lease.
var ErrRunInProgress = errors.New("engine: check already in progress")

var defaultSubscriberThreshold = decimal.NewFromInt(1)

// Options tune engine policy.
type Options struct {
	// ThresholdPct is the global gate: runs below it notify nobody.
	ThresholdPct decimal.Decimal
	// NotifyDelay paces consecutive sends to respect provider rate limits.
	NotifyDelay time.Duration
	// LockTTL bounds the run lease lifetime.
	LockTTL time.Duration
}

// Engine detects significant parallel-rate changes and fans notifications out
// to subscribers.
type Engine struct {
	source    fetcher.RateSource
	rates     storage.RateStateStore
	subs      storage.SubscriberStore
	notifiers map[string]notify.Notifier
	locker    storage.RunLocker
	opts      Options
	logger    zerolog.Logger
}

// New constructs an Engine. locker may be nil when the trigger cannot overlap
// invocations. notifiers is keyed by delivery channel.
func New(source fetcher.RateSource, rates storage.RateStateStore, subs storage.SubscriberStore, notifiers map[string]notify.Notifier, locker storage.RunLocker, opts Options, logger zerolog.Logger) *Engine {
	if opts.ThresholdPct.IsZero() || opts.ThresholdPct.IsNegative() {
		opts.ThresholdPct = defaultSubscriberThreshold
	}
	if opts.NotifyDelay < 0 {
		opts.NotifyDelay = 0
	}

	return &Engine{
		source:    source,
		rates:     rates,
		subs:      subs,
		notifiers: notifiers,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
}

// CheckAndNotify runs one detection cycle: fetch current rates, compare to
// the stored snapshot, fan out notifications when the change clears the
// global threshold, and persist the new snapshot.
//
// Failure semantics: an upstream fetch failure is fatal with zero state
// mutation; per-subscriber delivery failures are recorded in the report and
// never abort the batch; a subscriber-list read failure degrades to an empty
// list so rate tracking keeps going. The snapshot is refreshed at the end of
// every completed run, including below-threshold ones, so percentage bases
// never snowball.
func (e *Engine) CheckAndNotify(ctx context.Context) (Report, error) {
	runID := uuid.NewString()
	logger := e.logger.With().Str("run_id", runID).Logger()

	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		logger.Debug().Msg("skipping run, lease held elsewhere")
		return Report{}, ErrRunInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	current, err := e.source.FetchRates(ctx)
	if err != nil {
		metrics.CheckRuns.WithLabelValues("fetch_error").Inc()
		return Report{}, fmt.Errorf("fetch rates: %w", err)
	}

	report := Report{
		Success:      true,
		RunID:        runID,
		CurrentRates: ratesOf(current),
		Threshold:    e.opts.ThresholdPct.InexactFloat64(),
		Timestamp:    time.Now().UTC(),
	}

	previous, err := e.rates.GetSnapshot(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrSnapshotNotFound) {
			metrics.CheckRuns.WithLabelValues("store_error").Inc()
			return Report{}, fmt.Errorf("read snapshot: %w", err)
		}
		if err := e.rates.SetSnapshot(ctx, current); err != nil {
			metrics.CheckRuns.WithLabelValues("store_error").Inc()
			return Report{}, fmt.Errorf("persist first snapshot: %w", err)
		}
		report.FirstRun = true
		logger.Info().
			Str("parallel", current.Parallel.String()).
			Str("official", current.Official.String()).
			Msg("first run, snapshot initialised")
		metrics.CheckRuns.WithLabelValues("first_run").Inc()
		return report, nil
	}

	change := current.Parallel.Sub(previous.Parallel).
		Div(previous.Parallel).
		Mul(decimal.NewFromInt(100))
	absChange := change.Abs()

	prev := ratesOf(previous)
	report.PreviousRates = &prev
	report.PercentChange = change.InexactFloat64()
	report.AbsChange = absChange.InexactFloat64()

	logger.Info().
		Str("parallel", current.Parallel.String()).
		Str("previous_parallel", previous.Parallel.String()).
		Str("percent_change", change.StringFixed(4)).
		Msg("change computed")

	if absChange.GreaterThanOrEqual(e.opts.ThresholdPct) {
		if err := e.fanOut(ctx, logger, previous, current, change, absChange, &report); err != nil {
			return Report{}, err
		}
	} else if count, err := e.subs.CountSubscribers(ctx); err == nil {
		report.TotalSubscribers = int(count)
	}

	if err := e.rates.SetSnapshot(ctx, current); err != nil {
		metrics.CheckRuns.WithLabelValues("store_error").Inc()
		return Report{}, fmt.Errorf("persist snapshot: %w", err)
	}

	metrics.CheckRuns.WithLabelValues("ok").Inc()
	return report, nil
}

// fanOut lists subscribers, re-filters by per-subscriber threshold, and
// attempts each delivery independently.
func (e *Engine) fanOut(ctx context.Context, logger zerolog.Logger, previous, current storage.RateSnapshot, change, absChange decimal.Decimal, report *Report) error {
	subs, err := e.subs.ListSubscribers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("subscriber list unavailable, continuing without fan-out")
		report.SubscriberListDegraded = true
		subs = nil
	}
	report.TotalSubscribers = len(subs)

	text := renderAlert(previous, current, change)

	sentAny := false
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}

		threshold := sub.ThresholdPct
		if !threshold.IsPositive() {
			threshold = defaultSubscriberThreshold
		}
		if absChange.LessThan(threshold) {
			report.Skipped++
			continue
		}
		report.Qualifying++

		if sentAny && e.opts.NotifyDelay > 0 {
			if err := sleepCtx(ctx, e.opts.NotifyDelay); err != nil {
				return err
			}
		}

		outcome := e.deliver(ctx, sub, text)
		sentAny = true

		if outcome.Success {
			report.NotificationsSent++
			metrics.Notifications.WithLabelValues(outcome.Channel, "success").Inc()
		} else {
			report.NotificationsFailed++
			metrics.Notifications.WithLabelValues(outcome.Channel, "failed").Inc()
			logger.Warn().
				Str("subscriber_id", sub.ID).
				Str("reason", outcome.Error).
				Msg("notification failed")
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	report.Notified = report.NotificationsSent > 0
	return nil
}

func (e *Engine) deliver(ctx context.Context, sub storage.Subscriber, text string) Outcome {
	channel := sub.Channel
	if channel == "" {
		channel = storage.ChannelTelegram
	}

	outcome := Outcome{SubscriberID: sub.ID, Channel: channel}

	notifier, ok := e.notifiers[channel]
	if !ok || notifier == nil {
		outcome.Error = fmt.Sprintf("no notifier configured for channel %q", channel)
		return outcome
	}

	delivery := notifier.Send(ctx, sub.ID, text)
	outcome.Success = delivery.Success
	outcome.MessageRef = delivery.MessageRef
	outcome.Error = delivery.Err
	return outcome
}

// Reset clears the stored snapshot; the next run bootstraps as a first run.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.rates.DeleteSnapshot(ctx); err != nil {
		return fmt.Errorf("reset snapshot: %w", err)
	}
	e.logger.Info().Msg("snapshot cleared, next run will bootstrap")
	return nil
}

func (e *Engine) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryRunLock(ctx, e.opts.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
