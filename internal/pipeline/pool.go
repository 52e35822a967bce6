package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// queue hands out items in order. Every item is claimed exactly once.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
}

func newQueue[T any](items []T) *queue[T] {
	return &queue[T]{items: items}
}

func (q *queue[T]) claim() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.next >= len(q.items) {
		return zero, false
	}
	item := q.items[q.next]
	q.next++
	return item, true
}

// runPool processes items with at most jobs workers pulling from a shared
// cursor. After the first failure no worker claims another item; items
// already in flight run to completion and every failure is returned.
func runPool[T any](ctx context.Context, jobs int, items []T, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if jobs < 1 {
		jobs = 1
	}
	if jobs > len(items) {
		jobs = len(items)
	}

	q := newQueue(items)
	var (
		mu      sync.Mutex
		errs    *multierror.Error
		g       errgroup.Group
		stopped atomic.Bool
	)
	for range jobs {
		g.Go(func() error {
			for !stopped.Load() {
				item, ok := q.claim()
				if !ok {
					return nil
				}
				if err := fn(ctx, item); err != nil {
					stopped.Store(true)
					mu.Lock()
					errs = multierror.Append(errs, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}
