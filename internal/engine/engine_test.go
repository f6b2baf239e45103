package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dolar-rate-alerts/internal/fetcher"
	"dolar-rate-alerts/internal/notify"
	"dolar-rate-alerts/internal/storage"
)

type stubSource struct {
	snap storage.RateSnapshot
	err  error
}

func (s *stubSource) FetchRates(ctx context.Context) (storage.RateSnapshot, error) {
	if s.err != nil {
		return storage.RateSnapshot{}, s.err
	}
	return s.snap, nil
}

type recordingNotifier struct {
	sentTo []string
	fail   map[string]bool
}

func (n *recordingNotifier) Send(ctx context.Context, id, text string) notify.Delivery {
	n.sentTo = append(n.sentTo, id)
	if n.fail[id] {
		return notify.Delivery{Err: "delivery refused"}
	}
	return notify.Delivery{Success: true, MessageRef: "msg-" + id}
}

type countingRateStore struct {
	*storage.RateStateMemory
	setCalls int
}

func (s *countingRateStore) SetSnapshot(ctx context.Context, snap storage.RateSnapshot) error {
	s.setCalls++
	return s.RateStateMemory.SetSnapshot(ctx, snap)
}

type failingSubs struct{}

func (failingSubs) ListSubscribers(ctx context.Context) ([]storage.Subscriber, error) {
	return nil, errors.New("subscriber backend down")
}
func (failingSubs) UpsertSubscriber(ctx context.Context, sub storage.Subscriber) (storage.Subscriber, error) {
	return storage.Subscriber{}, errors.New("subscriber backend down")
}
func (failingSubs) RemoveSubscriber(ctx context.Context, id string) (bool, error) {
	return false, errors.New("subscriber backend down")
}
func (failingSubs) CountSubscribers(ctx context.Context) (int64, error) {
	return 0, errors.New("subscriber backend down")
}

func snap(parallel, official float64) storage.RateSnapshot {
	return storage.RateSnapshot{
		Parallel:   decimal.NewFromFloat(parallel),
		Official:   decimal.NewFromFloat(official),
		ObservedAt: time.Now().UTC(),
	}
}

func subscriber(id string, threshold float64) storage.Subscriber {
	return storage.Subscriber{
		ID:           id,
		Channel:      storage.ChannelTelegram,
		ThresholdPct: decimal.NewFromFloat(threshold),
	}
}

func newEngine(source fetcher.RateSource, rates storage.RateStateStore, subs storage.SubscriberStore, notifier notify.Notifier) *Engine {
	notifiers := map[string]notify.Notifier{}
	if notifier != nil {
		notifiers[storage.ChannelTelegram] = notifier
	}
	return New(source, rates, subs, notifiers, nil, Options{
		ThresholdPct: decimal.NewFromInt(1),
	}, zerolog.Nop())
}

func TestFirstRunInitialisesWithoutNotifying(t *testing.T) {
	ctx := context.Background()
	rates := &countingRateStore{RateStateMemory: storage.NewRateStateMemory()}
	subs := storage.NewSubscriberMemory()
	if _, err := subs.UpsertSubscriber(ctx, subscriber("111", 0.5)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	fetched := snap(368.81, 244.65)
	eng := newEngine(&stubSource{snap: fetched}, rates, subs, notifier)

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatalf("first run should succeed: %v", err)
	}
	if !report.FirstRun {
		t.Fatal("report should be tagged firstRun")
	}
	if len(notifier.sentTo) != 0 {
		t.Fatalf("first run must not notify, sent to %v", notifier.sentTo)
	}
	if rates.setCalls != 1 {
		t.Fatalf("first run must write exactly once, wrote %d times", rates.setCalls)
	}

	stored, err := rates.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Parallel.Equal(fetched.Parallel) || !stored.Official.Equal(fetched.Official) {
		t.Fatalf("stored snapshot %v differs from fetched %v", stored, fetched)
	}
}

func TestPercentChangeAboveThresholdNotifies(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(244.65, 200)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	if _, err := subs.UpsertSubscriber(ctx, subscriber("111", 1)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	eng := newEngine(&stubSource{snap: snap(250.00, 200)}, rates, subs, notifier)

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := (250.00 - 244.65) / 244.65 * 100
	if math.Abs(report.PercentChange-want) > 1e-6 {
		t.Fatalf("percentChange = %v, want %v", report.PercentChange, want)
	}
	if math.Abs(report.AbsChange-want) > 1e-6 {
		t.Fatalf("absChange = %v, want %v", report.AbsChange, want)
	}
	if len(notifier.sentTo) != 1 || notifier.sentTo[0] != "111" {
		t.Fatalf("expected one notification to 111, got %v", notifier.sentTo)
	}
	if !report.Notified || report.NotificationsSent != 1 {
		t.Fatalf("report should record the send: %+v", report)
	}
}

func TestBelowThresholdStillRefreshesSnapshot(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100.00, 90)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	if _, err := subs.UpsertSubscriber(ctx, subscriber("111", 1)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	eng := newEngine(&stubSource{snap: snap(100.05, 90)}, rates, subs, notifier)

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(report.AbsChange-0.05) > 1e-6 {
		t.Fatalf("absChange = %v, want 0.05", report.AbsChange)
	}
	if len(notifier.sentTo) != 0 {
		t.Fatalf("below threshold must not notify, sent to %v", notifier.sentTo)
	}
	if report.Notified {
		t.Fatal("report should be tagged notified=false")
	}

	stored, err := rates.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Parallel.Equal(decimal.NewFromFloat(100.05)) {
		t.Fatalf("snapshot should refresh on every run, got parallel %s", stored.Parallel)
	}
}

func TestPerSubscriberThresholdFiltering(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	if _, err := subs.UpsertSubscriber(ctx, subscriber("insensitive", 5)); err != nil {
		t.Fatal(err)
	}
	if _, err := subs.UpsertSubscriber(ctx, subscriber("sensitive", 0.5)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	// 2% change clears the 1% global gate.
	eng := newEngine(&stubSource{snap: snap(102, 90)}, rates, subs, notifier)

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(notifier.sentTo) != 1 || notifier.sentTo[0] != "sensitive" {
		t.Fatalf("only the sensitive subscriber should be notified, got %v", notifier.sentTo)
	}
	if report.Skipped != 1 || report.Qualifying != 1 {
		t.Fatalf("skipped/qualifying = %d/%d, want 1/1", report.Skipped, report.Qualifying)
	}
	if report.TotalSubscribers != 2 {
		t.Fatalf("totalSubscribers = %d, want 2", report.TotalSubscribers)
	}
}

func TestDeliveryFailureIsolation(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	if _, err := subs.UpsertSubscriber(ctx, subscriber("broken", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := subs.UpsertSubscriber(ctx, subscriber("healthy", 1)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{fail: map[string]bool{"broken": true}}

	eng := newEngine(&stubSource{snap: snap(105, 90)}, rates, subs, notifier)

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.NotificationsSent != 1 || report.NotificationsFailed != 1 {
		t.Fatalf("sent/failed = %d/%d, want 1/1", report.NotificationsSent, report.NotificationsFailed)
	}
	if len(report.Outcomes) != 2 {
		t.Fatalf("both outcomes must appear, got %d", len(report.Outcomes))
	}
	for _, outcome := range report.Outcomes {
		switch outcome.SubscriberID {
		case "broken":
			if outcome.Success || outcome.Error == "" {
				t.Fatalf("broken outcome should carry the failure: %+v", outcome)
			}
		case "healthy":
			if !outcome.Success || outcome.MessageRef == "" {
				t.Fatalf("healthy outcome should carry the message ref: %+v", outcome)
			}
		}
	}

	stored, err := rates.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Parallel.Equal(decimal.NewFromInt(105)) {
		t.Fatal("snapshot must persist even when some deliveries fail")
	}
}

func TestSubscriberListFailureDegrades(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	eng := newEngine(&stubSource{snap: snap(105, 90)}, rates, failingSubs{}, notifier)

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatalf("degraded subscriber store must not fail the run: %v", err)
	}
	if !report.SubscriberListDegraded {
		t.Fatal("report should flag the degraded subscriber list")
	}
	if len(notifier.sentTo) != 0 {
		t.Fatalf("no notifications expected, sent to %v", notifier.sentTo)
	}

	stored, err := rates.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Parallel.Equal(decimal.NewFromInt(105)) {
		t.Fatal("rate tracking must continue when notification infrastructure is down")
	}
}

func TestFetchFailureMutatesNothing(t *testing.T) {
	ctx := context.Background()
	rates := &countingRateStore{RateStateMemory: storage.NewRateStateMemory()}
	notifier := &recordingNotifier{}

	eng := newEngine(&stubSource{err: fetcher.ErrUpstream}, rates, storage.NewSubscriberMemory(), notifier)

	if _, err := eng.CheckAndNotify(ctx); !errors.Is(err, fetcher.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if rates.setCalls != 0 {
		t.Fatalf("fetch failure must not write state, wrote %d times", rates.setCalls)
	}
	if len(notifier.sentTo) != 0 {
		t.Fatalf("fetch failure must not notify, sent to %v", notifier.sentTo)
	}
}

func TestResetThenCheckReproducesFirstRun(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}

	eng := newEngine(&stubSource{snap: snap(250, 200)}, rates, storage.NewSubscriberMemory(), notifier)

	if err := eng.Reset(ctx); err != nil {
		t.Fatal(err)
	}

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.FirstRun {
		t.Fatal("check after reset should bootstrap again")
	}
	if len(notifier.sentTo) != 0 {
		t.Fatalf("bootstrap must not notify, sent to %v", notifier.sentTo)
	}
}

func TestRunLockPreventsOverlap(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()

	eng := New(&stubSource{snap: snap(100, 90)}, rates, storage.NewSubscriberMemory(), nil, rates, Options{
		ThresholdPct: decimal.NewFromInt(1),
	}, zerolog.Nop())

	unlock, acquired, err := rates.TryRunLock(ctx, time.Second)
	if err != nil || !acquired {
		t.Fatalf("test setup could not take the lock: acquired=%v err=%v", acquired, err)
	}
	defer unlock()

	if _, err := eng.CheckAndNotify(ctx); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress while lease is held, got %v", err)
	}
}

func TestMissingChannelNotifierIsAFailedOutcome(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	whatsappSub := subscriber("+584121234567", 1)
	whatsappSub.Channel = storage.ChannelWhatsApp
	if _, err := subs.UpsertSubscriber(ctx, whatsappSub); err != nil {
		t.Fatal(err)
	}

	// Only a telegram notifier is wired.
	eng := newEngine(&stubSource{snap: snap(105, 90)}, rates, subs, &recordingNotifier{})

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.NotificationsFailed != 1 || len(report.Outcomes) != 1 {
		t.Fatalf("expected a single failed outcome, got %+v", report)
	}
	if report.Outcomes[0].Error == "" {
		t.Fatal("outcome should say which channel had no notifier")
	}
}

type cancellingNotifier struct {
	cancel context.CancelFunc
	sentTo []string
}

func (n *cancellingNotifier) Send(ctx context.Context, id, text string) notify.Delivery {
	n.sentTo = append(n.sentTo, id)
	n.cancel()
	return notify.Delivery{Success: true, MessageRef: "msg-" + id}
}

func TestCancellationStopsFanOutWithoutSnapshotWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rates := &countingRateStore{RateStateMemory: storage.NewRateStateMemory()}
	if err := rates.RateStateMemory.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	for _, id := range []string{"first", "second", "third"} {
		if _, err := subs.UpsertSubscriber(ctx, subscriber(id, 1)); err != nil {
			t.Fatal(err)
		}
	}
	notifier := &cancellingNotifier{cancel: cancel}

	eng := newEngine(&stubSource{snap: snap(105, 90)}, rates, subs, notifier)

	_, err := eng.CheckAndNotify(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(notifier.sentTo) != 1 || notifier.sentTo[0] != "first" {
		t.Fatalf("fan-out must stop after the cancelling send, sent to %v", notifier.sentTo)
	}
	if rates.setCalls != 0 {
		t.Fatalf("cancelled run must not persist the snapshot, wrote %d times", rates.setCalls)
	}
}

type timestampingNotifier struct {
	sentAt []time.Time
}

func (n *timestampingNotifier) Send(ctx context.Context, id, text string) notify.Delivery {
	n.sentAt = append(n.sentAt, time.Now())
	return notify.Delivery{Success: true, MessageRef: "msg-" + id}
}

func TestNotifyDelayPacesConsecutiveSends(t *testing.T) {
	ctx := context.Background()
	rates := storage.NewRateStateMemory()
	if err := rates.SetSnapshot(ctx, snap(100, 90)); err != nil {
		t.Fatal(err)
	}
	subs := storage.NewSubscriberMemory()
	if _, err := subs.UpsertSubscriber(ctx, subscriber("111", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := subs.UpsertSubscriber(ctx, subscriber("222", 1)); err != nil {
		t.Fatal(err)
	}
	notifier := &timestampingNotifier{}

	delay := 30 * time.Millisecond
	eng := New(&stubSource{snap: snap(105, 90)}, rates, subs, map[string]notify.Notifier{
		storage.ChannelTelegram: notifier,
	}, nil, Options{
		ThresholdPct: decimal.NewFromInt(1),
		NotifyDelay:  delay,
	}, zerolog.Nop())

	report, err := eng.CheckAndNotify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.NotificationsSent != 2 || len(notifier.sentAt) != 2 {
		t.Fatalf("expected two sends, got %+v", report)
	}
	if gap := notifier.sentAt[1].Sub(notifier.sentAt[0]); gap < delay {
		t.Fatalf("consecutive sends %v apart, want at least %v", gap, delay)
	}
}
