package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// MessageHandler runs the conversation pipeline for one message.
type MessageHandler interface {
	Handle(ctx context.Context, in conversation.InboundMessage) (*conversation.OutboundMessage, error)
}

// ReplyDeliverer sends a reply back through the originating channel.
type ReplyDeliverer interface {
	Deliver(ctx context.Context, in conversation.InboundMessage, out *conversation.OutboundMessage) error
}

// Worker consumes inbound jobs from the queue, handles them and delivers the reply.
type Worker struct {
	handler   MessageHandler
	queue     Queue
	jobs      JobUpdater
	deliverer ReplyDeliverer
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	maxReceives      int
	retryDelay       time.Duration
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	defaultMaxReceives   = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithRetry sets how often a job that hit a transient store failure is
// retried, and how long to wait between attempts.
func WithRetry(maxReceives int, delay time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if maxReceives > 0 {
			cfg.maxReceives = maxReceives
		}
		if delay >= 0 {
			cfg.retryDelay = delay
		}
	}
}

// NewWorker builds a worker. jobs may be nil when status tracking is disabled.
func NewWorker(handler MessageHandler, queue Queue, jobs JobUpdater, deliverer ReplyDeliverer, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if handler == nil {
		panic("inbound: handler cannot be nil")
	}
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	if deliverer == nil {
		panic("inbound: deliverer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		maxReceives:      defaultMaxReceives,
		retryDelay:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		handler:   handler,
		queue:     queue,
		jobs:      jobs,
		deliverer: deliverer,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("inbound worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("inbound worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive inbound jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	var job Job
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		w.logger.Error("failed to decode inbound job", "error", err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}
	logger := w.logger.With("job_id", job.ID, "tenant", job.Inbound.TenantSlug, "channel", string(job.Inbound.Channel))

	out, err := w.handler.Handle(ctx, job.Inbound)
	if errors.Is(err, conversation.ErrDuplicateMessage) {
		logger.Info("inbound job superseded by later messages, dropping")
		w.markFailed(ctx, logger, job, "superseded by a later message")
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}
	if err != nil {
		if errors.Is(err, conversation.ErrStoreFailure) && msg.ReceiveCount < w.cfg.maxReceives {
			logger.Warn("transient failure, leaving job for redelivery", "error", err, "receive_count", msg.ReceiveCount)
			if rerr := w.queue.Requeue(context.Background(), msg, w.cfg.retryDelay); rerr != nil {
				logger.Error("failed to requeue inbound job", "error", rerr)
			}
			return
		}
		logger.Error("inbound job failed", "error", err)
		w.markFailed(ctx, logger, job, err.Error())
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	// The reply is already persisted; a delivery failure is not retried to
	// avoid answering the same message twice.
	if err := w.deliverer.Deliver(ctx, job.Inbound, out); err != nil {
		logger.Error("failed to deliver reply", "error", err, "conversation_id", out.ConversationID)
		w.markFailed(ctx, logger, job, "delivery: "+err.Error())
	} else if job.TrackStatus && w.jobs != nil {
		if storeErr := w.jobs.MarkCompleted(ctx, job.ID, out); storeErr != nil {
			logger.Error("failed to update job status", "error", storeErr)
		}
	}
	logger.Debug("inbound job processed", "conversation_id", out.ConversationID, "backend", out.BackendUsed)
	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) markFailed(ctx context.Context, logger *logging.Logger, job Job, reason string) {
	if !job.TrackStatus || w.jobs == nil {
		return
	}
	if storeErr := w.jobs.MarkFailed(ctx, job.ID, reason); storeErr != nil {
		logger.Error("failed to update job status", "error", storeErr)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete inbound job", "error", err)
	}
}
