// Package inbound queues webhook-channel messages and processes them asynchronously.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/comchat-platform/internal/conversation"
)

// Queue moves jobs between webhook handlers and workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	// Requeue makes a received message visible again after delay.
	Requeue(ctx context.Context, msg Message, delay time.Duration) error
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// Job is the queued unit of work.
type Job struct {
	ID          string                      `json:"id"`
	Inbound     conversation.InboundMessage `json:"inbound"`
	TrackStatus bool                        `json:"track_status"`
	EnqueuedAt  time.Time                   `json:"enqueued_at"`
}

func encodeJob(job Job) (Job, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, "", fmt.Errorf("inbound: failed to encode job: %w", err)
	}
	return job, string(body), nil
}
