package archive

import "time"

// TranscriptRecord is the archived form of a closed conversation.
type TranscriptRecord struct {
	Version         string    `json:"version"` // "1.0"
	ConversationID  string    `json:"conversation_id"`
	TenantID        string    `json:"tenant_id"`
	Channel         string    `json:"channel"`
	UserHash        string    `json:"user_hash"` // sha256 of tenant/channel/external user id
	CreatedAt       time.Time `json:"created_at"`
	ClosedAt        time.Time `json:"closed_at"`
	ArchivedAt      time.Time `json:"archived_at"`
	DurationSeconds int       `json:"duration_seconds"`
	MessageCount    int       `json:"message_count"`
	FallbackCount   int       `json:"fallback_count"`
	Backends        []string  `json:"backends,omitempty"`
	Summary         *Summary  `json:"summary,omitempty"`
	Messages        []Message `json:"messages"`
}

// Summary is the model-written digest stored alongside a transcript.
type Summary struct {
	Text         string   `json:"text"`
	Topics       []string `json:"topics,omitempty"`
	Intent       string   `json:"intent,omitempty"`
	Resolution   string   `json:"resolution"`
	Sentiment    string   `json:"sentiment"`
	Satisfaction string   `json:"satisfaction"`
	Backend      string   `json:"backend"`
}

// Message is a single conversation turn.
type Message struct {
	Seq          int64     `json:"seq"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	MediaType    string    `json:"media_type,omitempty"`
	Backend      string    `json:"backend,omitempty"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	Fallback     bool      `json:"fallback,omitempty"`
	InputTokens  int32     `json:"input_tokens,omitempty"`
	OutputTokens int32     `json:"output_tokens,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in a tenant's monthly manifest file.
type ManifestEntry struct {
	ConversationID string `json:"conversation_id"`
	Channel        string `json:"channel"`
	S3Key          string `json:"s3_key"`
	ArchivedAt     string `json:"archived_at"`
	MessageCount   int    `json:"message_count"`
	FallbackCount  int    `json:"fallback_count"`
}
