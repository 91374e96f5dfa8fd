package api

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Every subscription is the merge of two sub-streams over one cursor: a
// data-batch stream pulling from storage until a batch comes back empty, and
// a periodic progress stream. The tripwire bounds the progress stream so a
// completed data stream deterministically ends the whole subscription; a
// disconnecting client cancels the context, which ends both.

// batchFunc pulls the next batch, advancing its captured cursor. done means
// the stream is exhausted and no wait source is available.
type batchFunc func(ctx context.Context) (items []any, done bool, err error)

// progressFunc produces one progress frame.
type progressFunc func(ctx context.Context) (any, error)

// sendFunc delivers one event to the client.
type sendFunc func(v any) error

func runMergedStream(ctx context.Context, send sendFunc, interval time.Duration, next batchFunc, progress progressFunc) error {
	tripwire := make(chan struct{})
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(tripwire)
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			items, done, err := next(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := send(item); err != nil {
					return err
				}
			}
			if done {
				return nil
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tripwire:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				frame, err := progress(ctx)
				if err != nil {
					return err
				}
				if frame == nil {
					continue
				}
				if err := send(frame); err != nil {
					return err
				}
			}
		}
	})

	err := group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// waitForSignal blocks until the wake channel delivers, the channel closes,
// or the context ends. It returns false when the subscription should stop.
func waitForSignal[T any](ctx context.Context, wake <-chan T) bool {
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-wake:
		return ok
	}
}
