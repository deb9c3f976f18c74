package inbound

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/wolfman30/comchat-platform/internal/conversation"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

func TestJobStore_PutPendingPersistsDefaults(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "inbound_jobs", logging.Discard())

	job := &JobRecord{JobID: "job-123", TenantSlug: "acme", Channel: "whatsapp"}
	if err := store.PutPending(context.Background(), job); err != nil {
		t.Fatalf("PutPending returned error: %v", err)
	}

	if mock.putInput == nil {
		t.Fatalf("expected PutItem to be called")
	}

	var stored JobRecord
	if err := attributevalue.UnmarshalMap(mock.putInput.Item, &stored); err != nil {
		t.Fatalf("failed to unmarshal stored job: %v", err)
	}

	if stored.Status != JobStatusPending {
		t.Fatalf("expected status pending, got %s", stored.Status)
	}
	if stored.CreatedAt == "" || stored.UpdatedAt == "" {
		t.Fatal("expected timestamps to be populated")
	}
	if stored.ExpiresAt <= time.Now().Unix() {
		t.Fatal("expected TTL to be in the future")
	}
	if stored.Channel != "whatsapp" {
		t.Fatalf("expected channel to be stored, got %q", stored.Channel)
	}

	if expr := mock.putInput.ConditionExpression; expr == nil || *expr != "attribute_not_exists(jobId)" {
		t.Fatalf("expected condition expression to prevent overwrites, got %v", expr)
	}
}

func TestJobStore_PutPendingNilJob(t *testing.T) {
	store := NewJobStore(&mockDynamo{}, "inbound_jobs", logging.Discard())
	if err := store.PutPending(context.Background(), nil); err == nil {
		t.Fatal("expected error when job is nil")
	}
}

func TestJobStore_MarkCompleted_UsesReservedAttributeNames(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "inbound_jobs", logging.Discard())

	resp := &conversation.OutboundMessage{ConversationID: "conv-1", Text: "thanks!", BackendUsed: "llama"}
	if err := store.MarkCompleted(context.Background(), "job-123", resp); err != nil {
		t.Fatalf("MarkCompleted returned error: %v", err)
	}

	if len(mock.updateInputs) != 1 {
		t.Fatalf("expected 1 update call, got %d", len(mock.updateInputs))
	}
	update := mock.updateInputs[0]

	names := update.ExpressionAttributeNames
	if names["#response"] != "response" || names["#error"] != "errorMessage" {
		t.Fatalf("expected reserved attribute names to be aliased, got %v", names)
	}

	values := update.ExpressionAttributeValues
	if status := values[":status"].(*types.AttributeValueMemberS).Value; status != string(JobStatusCompleted) {
		t.Fatalf("expected completed status, got %s", status)
	}
	if conv := values[":conversation"].(*types.AttributeValueMemberS).Value; conv != "conv-1" {
		t.Fatalf("expected conversation id, got %s", conv)
	}
	if _, ok := values[":response"].(*types.AttributeValueMemberM); !ok {
		t.Fatalf("expected marshalled response attribute, got %T", values[":response"])
	}
}

func TestJobStore_MarkFailed_SetsNullResponse(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "inbound_jobs", logging.Discard())

	if err := store.MarkFailed(context.Background(), "job-123", "boom"); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}

	update := mock.updateInputs[0]
	if _, ok := update.ExpressionAttributeValues[":response"].(*types.AttributeValueMemberNULL); !ok {
		t.Fatalf("expected response to be set to NULL, got %T", update.ExpressionAttributeValues[":response"])
	}
}

func TestJobStore_MarkCompleted_PropagatesError(t *testing.T) {
	mock := &mockDynamo{updateErr: errors.New("dynamo failed")}
	store := NewJobStore(mock, "inbound_jobs", logging.Discard())

	err := store.MarkCompleted(context.Background(), "job-1", &conversation.OutboundMessage{})
	if err == nil || !strings.Contains(err.Error(), "dynamo failed") {
		t.Fatalf("expected dynamo error, got %v", err)
	}
}

func TestJobStore_GetJob(t *testing.T) {
	mock := &mockDynamo{
		getOutput: &dynamodb.GetItemOutput{
			Item: map[string]types.AttributeValue{
				"jobId":  &types.AttributeValueMemberS{Value: "job-42"},
				"status": &types.AttributeValueMemberS{Value: string(JobStatusPending)},
			},
		},
	}
	store := NewJobStore(mock, "inbound_jobs", logging.Discard())

	job, err := store.GetJob(context.Background(), "job-42")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if job.JobID != "job-42" || job.Status != JobStatusPending {
		t.Fatalf("unexpected job result: %#v", job)
	}

	mock.getOutput = &dynamodb.GetItemOutput{}
	if _, err := store.GetJob(context.Background(), "job-42"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := store.GetJob(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty jobID")
	}
}

func TestMemoryJobStore_Lifecycle(t *testing.T) {
	store := NewMemoryJobStore()
	ctx := context.Background()
	if err := store.PutPending(ctx, &JobRecord{JobID: "j1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutPending(ctx, &JobRecord{JobID: "j1"}); err == nil {
		t.Fatal("expected duplicate job to be rejected")
	}
	if err := store.MarkCompleted(ctx, "j1", &conversation.OutboundMessage{ConversationID: "c1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	job, err := store.GetJob(ctx, "j1")
	if err != nil || job.Status != JobStatusCompleted || job.ConversationID != "c1" {
		t.Fatalf("unexpected job %#v err=%v", job, err)
	}
	if err := store.MarkFailed(ctx, "missing", "x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

type mockDynamo struct {
	putInput     *dynamodb.PutItemInput
	putErr       error
	updateInputs []*dynamodb.UpdateItemInput
	updateErr    error
	getOutput    *dynamodb.GetItemOutput
	getErr       error
}

func (m *mockDynamo) PutItem(ctx context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = input
	return &dynamodb.PutItemOutput{}, m.putErr
}

func (m *mockDynamo) UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, input)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getOutput == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return m.getOutput, nil
}
