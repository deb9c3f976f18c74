package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store writes transcript records to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket is set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// TranscriptKey is the object key of a transcript archived at t.
func TranscriptKey(tenantID, conversationID string, t time.Time) string {
	return fmt.Sprintf("transcripts/v1/%s/%d/%02d/%02d/%s.json",
		tenantID, t.Year(), t.Month(), t.Day(), conversationID)
}

// ManifestKey is the tenant's manifest for the month of t.
func ManifestKey(tenantID string, t time.Time) string {
	return fmt.Sprintf("transcripts/v1/%s/manifests/%d-%02d.jsonl", tenantID, t.Year(), t.Month())
}

// Put writes record as JSON and appends it to the tenant's manifest.
func (s *Store) Put(ctx context.Context, record *TranscriptRecord) error {
	if !s.Enabled() {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}

	now := record.ArchivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	key := TranscriptKey(record.TenantID, record.ConversationID, now)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}

	s.logger.Info("archived transcript to S3",
		"conversation_id", record.ConversationID,
		"tenant", record.TenantID,
		"s3_key", key,
		"message_count", record.MessageCount,
	)

	entry := ManifestEntry{
		ConversationID: record.ConversationID,
		Channel:        record.Channel,
		S3Key:          key,
		ArchivedAt:     now.Format(time.RFC3339),
		MessageCount:   record.MessageCount,
		FallbackCount:  record.FallbackCount,
	}
	if err := s.AppendManifest(ctx, record.TenantID, now, entry); err != nil {
		// The transcript itself is stored.
		s.logger.Warn("failed to append manifest", "error", err, "conversation_id", record.ConversationID)
	}
	return nil
}

// AppendManifest appends a JSONL line to the tenant's monthly manifest.
// S3 has no append, so this is read-modify-write.
func (s *Store) AppendManifest(ctx context.Context, tenantID string, at time.Time, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	manifestKey := ManifestKey(tenantID, at)

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		// Overwriting an unreadable manifest would drop its entries.
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
