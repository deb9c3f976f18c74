package inbound

import (
	"context"
	"fmt"

	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Publisher enqueues inbound messages for asynchronous processing.
type Publisher struct {
	queue  Queue
	jobs   JobRecorder
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher. jobs may be nil to skip status tracking.
func NewPublisher(queue Queue, jobs JobRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		jobs:   jobs,
		logger: logger,
	}
}

// Enqueue publishes a job for in and returns its id.
func (p *Publisher) Enqueue(ctx context.Context, in conversation.InboundMessage) (string, error) {
	job, body, err := encodeJob(Job{Inbound: in, TrackStatus: p.jobs != nil})
	if err != nil {
		return "", err
	}

	if p.jobs != nil {
		if err := p.jobs.PutPending(ctx, &JobRecord{JobID: job.ID, TenantSlug: in.TenantSlug, Channel: string(in.Channel)}); err != nil {
			return "", err
		}
	}
	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("inbound: failed to enqueue job: %w", err)
	}

	p.logger.Debug("inbound job enqueued", "job_id", job.ID, "channel", string(in.Channel), "tenant", in.TenantSlug)
	return job.ID, nil
}
