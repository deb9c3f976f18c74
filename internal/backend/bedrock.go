package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// BedrockConverseAPI is the slice of the Bedrock runtime client we use.
type BedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider calls models through the Bedrock Converse API.
type BedrockProvider struct {
	api BedrockConverseAPI
}

func NewBedrockProvider(api BedrockConverseAPI) *BedrockProvider {
	if api == nil {
		panic("backend: bedrock converse client cannot be nil")
	}
	return &BedrockProvider{api: api}
}

// Generate implements Provider.
func (p *BedrockProvider) Generate(ctx context.Context, req Request) (Completion, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Completion{}, Failure(KindInvalidRequest, errors.New("bedrock model id is required"))
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages := make([]brtypes.Message, 0, len(req.Turns))
	for _, turn := range req.Turns {
		var content []brtypes.ContentBlock
		if turn.Image != nil && len(turn.Image.Data) > 0 {
			format, ok := bedrockImageFormat(turn.Image.MIMEType)
			if !ok {
				return Completion{}, Failure(KindInvalidRequest, errors.New("unsupported image type "+turn.Image.MIMEType))
			}
			content = append(content, &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
				Format: format,
				Source: &brtypes.ImageSourceMemberBytes{Value: turn.Image.Data},
			}})
		}
		if text := strings.TrimSpace(turn.Text); text != "" {
			content = append(content, &brtypes.ContentBlockMemberText{Value: text})
		}
		if len(content) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if turn.Role == RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		// Converse rejects consecutive turns with the same role.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, content...)
			continue
		}
		messages = append(messages, brtypes.Message{Role: role, Content: content})
	}
	if len(messages) == 0 {
		return Completion{}, Failure(KindInvalidRequest, errors.New("no message content"))
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if inference.MaxTokens == nil && inference.Temperature == nil {
		inference = nil
	}

	out, err := p.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	})
	if err != nil {
		return Completion{}, bedrockFailure(err)
	}

	text, err := bedrockOutputText(out)
	if err != nil {
		return Completion{}, Failure(KindUnavailable, err)
	}
	completion := Completion{Text: text, StopReason: string(out.StopReason)}
	if out.Usage != nil {
		completion.Usage = TokenUsage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
			TotalTokens:  int32OrZero(out.Usage.TotalTokens),
		}
	}
	return completion, nil
}

// Probe sends a one-token request.
func (p *BedrockProvider) Probe(ctx context.Context, model string) error {
	_, err := p.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "ping"}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(1)},
	})
	if err != nil {
		return bedrockFailure(err)
	}
	return nil
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock response did not include a message output")
	}
	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
			builder.WriteString(textBlock.Value)
		}
	}
	if strings.TrimSpace(builder.String()) == "" {
		return "", errors.New("bedrock response contained no text content blocks")
	}
	return builder.String(), nil
}

func bedrockImageFormat(mimeType string) (brtypes.ImageFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return brtypes.ImageFormatPng, true
	case "image/jpeg", "image/jpg":
		return brtypes.ImageFormatJpeg, true
	case "image/gif":
		return brtypes.ImageFormatGif, true
	case "image/webp":
		return brtypes.ImageFormatWebp, true
	default:
		return "", false
	}
}

func bedrockFailure(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			return Failure(KindRateLimited, err)
		case "ValidationException":
			return Failure(KindInvalidRequest, err)
		case "ModelTimeoutException":
			return Failure(KindTimeout, err)
		}
	}
	return transportFailure(err)
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
