package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

const (
	jobTTL = 24 * time.Hour
)

// JobStatus represents the lifecycle of an inbound job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrJobNotFound indicates the requested job ID does not exist.
var ErrJobNotFound = errors.New("inbound: job not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// JobRecord captures the persisted state of an inbound message.
type JobRecord struct {
	JobID          string                        `dynamodbav:"jobId" json:"jobId"`
	Status         JobStatus                     `dynamodbav:"status" json:"status"`
	TenantSlug     string                        `dynamodbav:"tenantSlug" json:"tenantSlug"`
	Channel        string                        `dynamodbav:"channel" json:"channel"`
	ConversationID string                        `dynamodbav:"conversationId,omitempty" json:"conversationId,omitempty"`
	Response       *conversation.OutboundMessage `dynamodbav:"response,omitempty" json:"response,omitempty"`
	ErrorMessage   string                        `dynamodbav:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt      string                        `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt      string                        `dynamodbav:"updatedAt" json:"updatedAt"`
	ExpiresAt      int64                         `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// JobRecorder creates and reads job records.
type JobRecorder interface {
	PutPending(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
}

// JobUpdater finalises job records.
type JobUpdater interface {
	MarkCompleted(ctx context.Context, jobID string, resp *conversation.OutboundMessage) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
}

// JobStore persists job records to DynamoDB.
type JobStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ JobRecorder = (*JobStore)(nil)
var _ JobUpdater = (*JobStore)(nil)

// NewJobStore builds a store backed by the provided DynamoDB client.
func NewJobStore(client dynamoAPI, tableName string, logger *logging.Logger) *JobStore {
	if client == nil {
		panic("inbound: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("inbound: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &JobStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// PutPending inserts a new pending job record.
func (s *JobStore) PutPending(ctx context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("inbound: job cannot be nil")
	}
	now := time.Now().UTC()
	job.Status = JobStatusPending
	job.CreatedAt = now.Format(time.RFC3339Nano)
	job.UpdatedAt = job.CreatedAt
	if job.ExpiresAt == 0 {
		job.ExpiresAt = now.Add(jobTTL).Unix()
	}

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("inbound: failed to marshal job: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("inbound: failed to persist job: %w", err)
	}
	return nil
}

// MarkCompleted updates a job with the delivered reply.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string, resp *conversation.OutboundMessage) error {
	if jobID == "" {
		return errors.New("inbound: jobID required")
	}
	if resp == nil {
		resp = &conversation.OutboundMessage{}
	}
	respAttr, err := attributevalue.Marshal(resp)
	if err != nil {
		return fmt.Errorf("inbound: failed to marshal response: %w", err)
	}

	return s.updateJob(
		ctx,
		jobID,
		map[string]types.AttributeValue{
			":status":       &types.AttributeValueMemberS{Value: string(JobStatusCompleted)},
			":response":     respAttr,
			":conversation": &types.AttributeValueMemberS{Value: resp.ConversationID},
			":error":        &types.AttributeValueMemberS{Value: ""},
			":updated":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		map[string]string{
			"#status":   "status",
			"#response": "response",
			"#error":    "errorMessage",
			"#updated":  "updatedAt",
		},
		"SET #status = :status, #response = :response, conversationId = :conversation, #error = :error, #updated = :updated",
	)
}

// MarkFailed updates a job to the failed state.
func (s *JobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	if jobID == "" {
		return errors.New("inbound: jobID required")
	}
	return s.updateJob(
		ctx,
		jobID,
		map[string]types.AttributeValue{
			":status":   &types.AttributeValueMemberS{Value: string(JobStatusFailed)},
			":response": &types.AttributeValueMemberNULL{Value: true},
			":error":    &types.AttributeValueMemberS{Value: errMsg},
			":updated":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		map[string]string{
			"#status":   "status",
			"#response": "response",
			"#error":    "errorMessage",
			"#updated":  "updatedAt",
		},
		"SET #status = :status, #response = :response, #error = :error, #updated = :updated",
	)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, errors.New("inbound: jobID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inbound: failed to fetch job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}

	var job JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("inbound: failed to decode job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) updateJob(ctx context.Context, jobID string, values map[string]types.AttributeValue, names map[string]string, expression string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression:          aws.String(expression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("inbound: failed to update job %s: %w", jobID, err)
	}
	return nil
}

// MemoryJobStore keeps job records in memory, for local runs without DynamoDB.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]JobRecord
}

var _ JobRecorder = (*MemoryJobStore)(nil)
var _ JobUpdater = (*MemoryJobStore)(nil)

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]JobRecord)}
}

func (s *MemoryJobStore) PutPending(_ context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("inbound: job cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("inbound: job %s already exists", job.JobID)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	job.Status = JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.JobID] = *job
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (s *MemoryJobStore) MarkCompleted(_ context.Context, jobID string, resp *conversation.OutboundMessage) error {
	return s.update(jobID, func(j *JobRecord) {
		j.Status = JobStatusCompleted
		j.Response = resp
		j.ErrorMessage = ""
		if resp != nil {
			j.ConversationID = resp.ConversationID
		}
	})
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, jobID string, errMsg string) error {
	return s.update(jobID, func(j *JobRecord) {
		j.Status = JobStatusFailed
		j.Response = nil
		j.ErrorMessage = errMsg
	})
}

func (s *MemoryJobStore) update(jobID string, fn func(*JobRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	fn(&job)
	job.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	s.jobs[jobID] = job
	return nil
}
