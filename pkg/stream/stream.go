// Package stream provides restartable, change-driven value sequences over a
// record store that publishes table-level change notifications.
package stream

import (
	"context"
)

// Item is one element of a sequence. A non-nil Err is always the final item.
type Item[T any] struct {
	Value T
	Err   error
}

// Subscription delivers a signal every time one of its tables changes.
type Subscription interface {
	C() <-chan struct{}
	Close()
}

// Changes is implemented by stores that publish table change notifications.
type Changes interface {
	Subscribe(tables ...string) Subscription
}

// LoadFunc reads the current value of a query.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Watch runs load immediately and again after every change notification on
// any of tables. Each subscriber gets its own subscription, so two Watch
// calls over the same query observe the same values independently.
//
// The returned channel is closed when ctx is cancelled or after a load error
// has been delivered.
func Watch[T any](ctx context.Context, changes Changes, tables []string, load LoadFunc[T]) <-chan Item[T] {
	out := make(chan Item[T])
	// Subscribe before the first load so no write between the two is missed.
	sub := changes.Subscribe(tables...)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			value, err := load(ctx)
			if ctx.Err() != nil {
				return
			}
			if !send(ctx, out, Item[T]{Value: value, Err: err}) || err != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.C():
				if !ok {
					return
				}
			}
		}
	}()

	return out
}

// Distinct drops values equal to the previously emitted one.
func Distinct[T any](ctx context.Context, in <-chan Item[T], equal func(a, b T) bool) <-chan Item[T] {
	out := make(chan Item[T])

	go func() {
		defer close(out)

		var last T
		seen := false
		for item := range in {
			if item.Err == nil && seen && equal(last, item.Value) {
				continue
			}
			if item.Err == nil {
				last = item.Value
				seen = true
			}
			if !send(ctx, out, item) {
				return
			}
		}
	}()

	return out
}

// DistinctComparable is Distinct with == as the equality.
func DistinctComparable[T comparable](ctx context.Context, in <-chan Item[T]) <-chan Item[T] {
	return Distinct(ctx, in, func(a, b T) bool { return a == b })
}

// Map transforms every value. A mapping error terminates the sequence.
func Map[T, R any](ctx context.Context, in <-chan Item[T], fn func(T) (R, error)) <-chan Item[R] {
	out := make(chan Item[R])

	go func() {
		defer close(out)

		for item := range in {
			if item.Err != nil {
				send(ctx, out, Item[R]{Err: item.Err})
				return
			}
			mapped, err := fn(item.Value)
			if !send(ctx, out, Item[R]{Value: mapped, Err: err}) || err != nil {
				return
			}
		}
	}()

	return out
}

// First waits for the first item of the sequence.
func First[T any](ctx context.Context, in <-chan Item[T]) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case item, ok := <-in:
		if !ok {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			return zero, context.Canceled
		}
		return item.Value, item.Err
	}
}

func send[T any](ctx context.Context, out chan<- Item[T], item Item[T]) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
