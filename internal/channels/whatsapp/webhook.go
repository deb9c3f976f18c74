package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// SignatureHeader carries Meta's HMAC of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// HandleVerification answers Meta's GET subscription challenge.
func HandleVerification(verifyToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		token := r.URL.Query().Get("hub.verify_token")
		challenge := r.URL.Query().Get("hub.challenge")

		if verifyToken != "" && mode == "subscribe" && hmac.Equal([]byte(token), []byte(verifyToken)) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, challenge)
			return
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

// ParseWebhookEvent flattens the user messages in event. Statuses and
// unsupported message types are skipped.
func ParseWebhookEvent(event WebhookEvent) []ParsedMessage {
	var messages []ParsedMessage
	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			for _, m := range change.Value.Messages {
				parsed := ParsedMessage{
					From:          m.From,
					MessageID:     m.ID,
					PhoneNumberID: change.Value.Metadata.PhoneNumberID,
				}
				switch m.Type {
				case "text":
					if m.Text != nil {
						parsed.Text = m.Text.Body
					}
				case "image", "document", "audio", "video", "sticker":
					ref := m.media()
					if ref == nil {
						continue
					}
					parsed.Media = ref
					parsed.Text = ref.Caption
				default:
					continue
				}
				if strings.TrimSpace(parsed.Text) == "" && parsed.Media == nil {
					continue
				}
				messages = append(messages, parsed)
			}
		}
	}
	return messages
}

func (m Message) media() *MediaRef {
	for _, ref := range []*MediaRef{m.Image, m.Document, m.Audio, m.Video, m.Sticker} {
		if ref != nil && ref.ID != "" {
			return ref
		}
	}
	return nil
}

// VerifySignature verifies the X-Hub-Signature-256 header.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	if appSecret == "" || signature == "" {
		return false
	}

	// Signature format: "sha256=<hex>"
	const prefix = "sha256="
	if len(signature) <= len(prefix) || !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigHex := signature[len(prefix):]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sigHex))
}
