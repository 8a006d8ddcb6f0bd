package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alisitki/quantlab/models"
)

func trade(id string) models.Event {
	return models.TradeEvent{
		Header:  models.Header{Exchange: models.ExchangeBinance, Symbol: "BTCUSDT", Stream: models.StreamTrade},
		Price:   1,
		Qty:     1,
		Side:    models.SideBuy,
		TradeID: id,
	}
}

func tradeID(t *testing.T, ev models.Event) string {
	t.Helper()
	tr, ok := ev.(models.TradeEvent)
	if !ok {
		t.Fatalf("expected TradeEvent, got %T", ev)
	}
	return tr.TradeID
}

func TestQueuePreservesFIFO(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Put(ctx, trade(id)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}
	for _, want := range []string{"1", "2", "3"} {
		ev, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := tradeID(t, ev); got != want {
			t.Fatalf("got trade %s, want %s", got, want)
		}
	}
}

func TestPutBlocksWhenFullUntilGet(t *testing.T) {
	q := New(2)
	ctx := context.Background()

	if err := q.Put(ctx, trade("a")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := q.Put(ctx, trade("b")); err != nil {
		t.Fatalf("put b: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, trade("c"))
	}()

	select {
	case err := <-done:
		t.Fatalf("put on full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ev, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := tradeID(t, ev); got != "a" {
		t.Fatalf("expected oldest event a, got %s", got)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked put failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked put did not complete after get")
	}

	for _, want := range []string{"b", "c"} {
		ev, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := tradeID(t, ev); got != want {
			t.Fatalf("got %s, want %s", got, want)
		}
	}

	if stats := q.GetStats(); stats.Blocked != 1 || stats.Enqueued != 3 || stats.Dequeued != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPutHonoursContext(t *testing.T) {
	q := New(1)
	if err := q.Put(context.Background(), trade("a")); err != nil {
		t.Fatalf("put: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, trade("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("cancelled put must not enqueue, len=%d", q.Len())
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	if err := q.Put(ctx, trade("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	q.Close()

	if err := q.Put(ctx, trade("b")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on put after close, got %v", err)
	}
	ev, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("get buffered event after close: %v", err)
	}
	if tradeID(t, ev) != "a" {
		t.Fatalf("unexpected event after close")
	}
	if _, err := q.Get(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}

func TestDefaultCapacity(t *testing.T) {
	if q := New(0); q.Cap() != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, q.Cap())
	}
}
