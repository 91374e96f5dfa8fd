package api

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	items []any
}

func (r *recorder) send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	return nil
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any{}, r.items...)
}

type dataEvent struct{ n int }
type progressEvent struct{}

func TestMergedStreamBatchesThenProgress(t *testing.T) {
	rec := &recorder{}

	// 250 rows at batch size 100: batches of 100, 100, 50.
	total := 250
	cursor := 0
	batches := 0
	next := func(ctx context.Context) ([]any, bool, error) {
		remaining := total - cursor
		if remaining == 0 {
			// Exhausted: wait long enough for progress frames, then end.
			select {
			case <-ctx.Done():
				return nil, true, nil
			case <-time.After(120 * time.Millisecond):
				return nil, true, nil
			}
		}
		n := 100
		if remaining < n {
			n = remaining
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, dataEvent{n: cursor + i})
		}
		cursor += n
		batches++
		return items, false, nil
	}
	progress := func(ctx context.Context) (any, error) {
		return progressEvent{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runMergedStream(ctx, rec.send, 30*time.Millisecond, next, progress); err != nil {
		t.Fatalf("runMergedStream: %v", err)
	}

	if batches != 3 {
		t.Fatalf("batches = %d, want 3 (100, 100, 50)", batches)
	}
	var data, frames int
	for _, item := range rec.snapshot() {
		switch item.(type) {
		case dataEvent:
			data++
		case progressEvent:
			frames++
		}
	}
	if data != total {
		t.Fatalf("data events = %d, want %d", data, total)
	}
	if frames == 0 {
		t.Fatal("no progress frames interleaved")
	}
}

func TestMergedStreamTripwireBoundsProgress(t *testing.T) {
	rec := &recorder{}

	next := func(ctx context.Context) ([]any, bool, error) {
		return nil, true, nil // immediately exhausted
	}
	progress := func(ctx context.Context) (any, error) {
		return progressEvent{}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- runMergedStream(context.Background(), rec.send, time.Hour, next, progress)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runMergedStream: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tripwire did not bound the progress stream")
	}
}

func TestMergedStreamClientDisconnect(t *testing.T) {
	rec := &recorder{}

	next := func(ctx context.Context) ([]any, bool, error) {
		// Simulates waiting on the pub/sub bus for new data.
		<-ctx.Done()
		return nil, true, nil
	}
	progress := func(ctx context.Context) (any, error) {
		return progressEvent{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runMergedStream(ctx, rec.send, 20*time.Millisecond, next, progress)
	}()

	// Let a couple of progress frames through, then disconnect.
	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("disconnect must terminate cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("both sub-streams did not terminate on disconnect")
	}

	if len(rec.snapshot()) == 0 {
		t.Fatal("no progress frames before disconnect")
	}
}
