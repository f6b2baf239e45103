package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRateStateMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewRateStateMemory()

	if _, err := store.GetSnapshot(ctx); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("empty store should return ErrSnapshotNotFound, got %v", err)
	}

	snap := RateSnapshot{
		Parallel:   decimal.NewFromFloat(368.81),
		Official:   decimal.NewFromFloat(244.65),
		ObservedAt: time.Now().UTC(),
	}
	if err := store.SetSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Parallel.Equal(snap.Parallel) {
		t.Fatalf("got parallel %s, want %s", got.Parallel, snap.Parallel)
	}

	if err := store.DeleteSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSnapshot(ctx); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("deleted store should return ErrSnapshotNotFound, got %v", err)
	}
}

func TestRateStateMemoryRunLock(t *testing.T) {
	ctx := context.Background()
	store := NewRateStateMemory()

	unlock, acquired, err := store.TryRunLock(ctx, time.Second)
	if err != nil || !acquired {
		t.Fatalf("first lock should succeed: acquired=%v err=%v", acquired, err)
	}

	if _, again, _ := store.TryRunLock(ctx, time.Second); again {
		t.Fatal("second lock must not be acquired while held")
	}

	unlock()

	if _, again, _ := store.TryRunLock(ctx, time.Second); !again {
		t.Fatal("lock should be acquirable after release")
	}
}

func TestSubscriberMemoryInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriberMemory()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := store.UpsertSubscriber(ctx, Subscriber{ID: id, Channel: ChannelTelegram, ThresholdPct: decimal.NewFromInt(1)}); err != nil {
			t.Fatal(err)
		}
	}

	subs, err := store.ListSubscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscribers, got %d", len(subs))
	}
	for i, want := range []string{"c", "a", "b"} {
		if subs[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, subs[i].ID, want)
		}
	}
}

func TestSubscriberMemoryUpsertPreservesSubscribedAt(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriberMemory()

	first, err := store.UpsertSubscriber(ctx, Subscriber{ID: "111", ThresholdPct: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := store.UpsertSubscriber(ctx, Subscriber{ID: "111", DisplayName: "Ana", ThresholdPct: decimal.NewFromInt(3)})
	if err != nil {
		t.Fatal(err)
	}

	if !updated.SubscribedAt.Equal(first.SubscribedAt) {
		t.Fatal("re-subscribe must preserve the original subscription time")
	}
	if updated.DisplayName != "Ana" || !updated.ThresholdPct.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("mutable fields should be replaced: %+v", updated)
	}

	count, err := store.CountSubscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("upsert must not duplicate, count = %d", count)
	}
}

func TestSubscriberMemoryRemove(t *testing.T) {
	ctx := context.Background()
	store := NewSubscriberMemory()

	if removed, err := store.RemoveSubscriber(ctx, "ghost"); err != nil || removed {
		t.Fatalf("removing an unknown id should report not found: removed=%v err=%v", removed, err)
	}

	if _, err := store.UpsertSubscriber(ctx, Subscriber{ID: "111", ThresholdPct: decimal.NewFromInt(1)}); err != nil {
		t.Fatal(err)
	}

	removed, err := store.RemoveSubscriber(ctx, "111")
	if err != nil || !removed {
		t.Fatalf("removing an existing id should succeed: removed=%v err=%v", removed, err)
	}

	count, err := store.CountSubscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("count after removal = %d, want 0", count)
	}
}
