package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/comchat-platform/internal/config"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/internal/inbound"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const memoryQueueBuffer = 256

// JobTracker both creates and finalises job records.
type JobTracker interface {
	inbound.JobRecorder
	inbound.JobUpdater
}

// Inbound is the asynchronous path used by webhook channels.
type Inbound struct {
	Queue     inbound.Queue
	Jobs      JobTracker
	Publisher *inbound.Publisher
	Memory    bool
}

// BuildInbound selects the in-memory queue or SQS, with DynamoDB job records
// when a table is configured.
func BuildInbound(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*Inbound, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.UseMemoryQueue {
		jobs := inbound.NewMemoryJobStore()
		queue := inbound.NewMemoryQueue(memoryQueueBuffer)
		logger.Info("inbound queue: in memory")
		return &Inbound{Queue: queue, Jobs: jobs, Publisher: inbound.NewPublisher(queue, jobs, logger), Memory: true}, nil
	}

	if strings.TrimSpace(cfg.InboundQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: INBOUND_QUEUE_URL is required unless USE_MEMORY_QUEUE=true")
	}
	queue := inbound.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL)

	var jobs JobTracker
	if table := strings.TrimSpace(cfg.InboundJobsTable); table != "" {
		jobs = inbound.NewJobStore(dynamodb.NewFromConfig(awsCfg), table, logger)
	}
	logger.Info("inbound queue: sqs", "queue_url", cfg.InboundQueueURL, "job_table", cfg.InboundJobsTable)
	return &Inbound{Queue: queue, Jobs: jobs, Publisher: inbound.NewPublisher(queue, jobs, logger)}, nil
}

// NewWorker builds a consumer of the inbound queue.
func (in *Inbound) NewWorker(cfg *appconfig.Config, handler inbound.MessageHandler, deliverer inbound.ReplyDeliverer, logger *logging.Logger) *inbound.Worker {
	return inbound.NewWorker(handler, in.Queue, in.Jobs, deliverer, logger,
		inbound.WithWorkerCount(cfg.WorkerCount),
		inbound.WithRetry(5, 10*time.Second),
	)
}

var _ inbound.MessageHandler = (*conversation.Orchestrator)(nil)
