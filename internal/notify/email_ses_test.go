package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestNewSESSender_RequiresClientAndAddress(t *testing.T) {
	assert.Nil(t, NewSESSender(nil, Address{Email: "ops@example.com"}, nil))
	assert.Nil(t, NewSESSender(&fakeSES{}, Address{}, nil))
}

func TestSESSender_Send(t *testing.T) {
	api := &fakeSES{}
	sender := NewSESSender(api, Address{Email: "ops@example.com"}, nil)
	require.NotNil(t, sender)

	err := sender.Send(context.Background(), Email{
		To:      []string{"oncall@example.com", "lead@example.com"},
		Subject: "backend down",
		Text:    "plain",
	})
	require.NoError(t, err)
	require.Len(t, api.inputs, 1)

	in := api.inputs[0]
	assert.Equal(t, `"ComChat" <ops@example.com>`, aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"oncall@example.com", "lead@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "backend down", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "plain", aws.ToString(in.Content.Simple.Body.Text.Data))
	assert.Nil(t, in.Content.Simple.Body.Html)
}

func TestSESSender_SendError(t *testing.T) {
	api := &fakeSES{err: errors.New("throttled")}
	sender := NewSESSender(api, Address{Name: "Ops", Email: "ops@example.com"}, nil)

	err := sender.Send(context.Background(), Email{To: []string{"oncall@example.com"}, Subject: "x", Text: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
