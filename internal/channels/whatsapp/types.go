package whatsapp

// WebhookEvent is the top-level structure Meta posts for WhatsApp Business accounts.
type WebhookEvent struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one business account's batch of changes.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries messages or delivery statuses.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value is the payload of a "messages" change.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata identifies the business number that received the message.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender's profile.
type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

type Profile struct {
	Name string `json:"name"`
}

// Message is one inbound user message.
type Message struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *Text     `json:"text,omitempty"`
	Image     *MediaRef `json:"image,omitempty"`
	Document  *MediaRef `json:"document,omitempty"`
	Audio     *MediaRef `json:"audio,omitempty"`
	Video     *MediaRef `json:"video,omitempty"`
	Sticker   *MediaRef `json:"sticker,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

// MediaRef points at media stored by Meta; the URL must be looked up by ID.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Status is a delivery receipt for a message we sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// SendRequest is the Cloud API payload for an outbound text message.
type SendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             SendText `json:"text"`
}

type SendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// SendResponse is the Cloud API reply to SendRequest.
type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// MediaInfo is the Graph API lookup result for a media ID.
type MediaInfo struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	MimeType string    `json:"mime_type"`
	FileSize int64     `json:"file_size"`
	Error    *APIError `json:"error,omitempty"`
}

// APIError is an error returned by the Graph API.
type APIError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id"`
}

// ParsedMessage is a WhatsApp message flattened for normalization.
type ParsedMessage struct {
	From          string
	MessageID     string
	PhoneNumberID string
	Text          string
	Media         *MediaRef
}
