package event

import (
	"context"
	"errors"
)

// Capacity is the number of messages a unit's mailbox holds.
const Capacity = 3

// ErrFull is returned by TryPost when the mailbox is full.
var ErrFull = errors.New("mailbox full")

// Sink accepts events for the orchestrator.
type Sink interface {
	Post(ctx context.Context, ev Event) error
}

// Mailbox is a bounded FIFO queue owned by one receiving unit.
type Mailbox[T any] struct {
	ch chan T
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ch: make(chan T, Capacity)}
}

// Post enqueues v, waiting while the mailbox is full.
func (m *Mailbox[T]) Post(ctx context.Context, v T) error {
	select {
	case m.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost enqueues v without waiting.
func (m *Mailbox[T]) TryPost(v T) error {
	select {
	case m.ch <- v:
		return nil
	default:
		return ErrFull
	}
}

// Receive waits for the next message.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case v := <-m.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// C exposes the receive side of the mailbox.
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}
