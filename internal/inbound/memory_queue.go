package inbound

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a Queue backed by an in-memory buffered channel.
type MemoryQueue struct {
	ch chan Message
}

// NewMemoryQueue creates a MemoryQueue with the provided buffer capacity.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ch: make(chan Message, buffer),
	}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	return q.push(ctx, Message{ID: uuid.NewString(), Body: body})
}

func (q *MemoryQueue) push(ctx context.Context, msg Message) error {
	msg.ReceiptHandle = uuid.NewString()
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(msg, maxMessages), nil
	}
}

// Delete is a no-op for the in-memory queue.
func (q *MemoryQueue) Delete(_ context.Context, _ string) error {
	return nil
}

// Requeue puts the message back after delay.
func (q *MemoryQueue) Requeue(_ context.Context, msg Message, delay time.Duration) error {
	time.AfterFunc(delay, func() {
		_ = q.push(context.Background(), msg)
	})
	return nil
}

func (q *MemoryQueue) collect(first Message, max int) []Message {
	messages := make([]Message, 0, max)
	messages = append(messages, mark(first))

	for len(messages) < max {
		select {
		case msg := <-q.ch:
			messages = append(messages, mark(msg))
		default:
			return messages
		}
	}
	return messages
}

func mark(msg Message) Message {
	msg.ReceiveCount++
	return msg
}
