package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingSender) messages() []Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Email(nil), r.sent...)
}

func down(name string, at time.Time) health.Transition {
	return health.Transition{Backend: name, From: health.StateDegraded, To: health.StateDown, Reason: "consecutive failures", At: at}
}

func TestNewAlerter_RequiresSenderAndRecipients(t *testing.T) {
	assert.Nil(t, NewAlerter(nil, []string{"ops@example.com"}, nil))
	assert.Nil(t, NewAlerter(&recordingSender{}, []string{" ", ""}, nil))
	assert.NotNil(t, NewAlerter(&recordingSender{}, []string{"ops@example.com"}, nil))
}

func TestAlerter_NotifyDownEmailsEveryRecipient(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"a@example.com", " b@example.com "}, logging.Discard())
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Notify(context.Background(), down("claude", at)))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msgs[0].To)
	assert.Contains(t, msgs[0].Subject, "claude is DOWN")
	assert.Contains(t, msgs[0].Text, "consecutive failures")
	assert.Contains(t, msgs[0].Text, "2026-03-01T12:00:00Z")
	assert.Contains(t, msgs[0].HTML, "<p>Backend &#34;claude&#34; moved from degraded to down.</p>")
}

func TestAlerter_RateLimitsRepeatedDown(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard(), WithMinInterval(10*time.Minute))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, a.Notify(ctx, down("claude", at)))
	require.NoError(t, a.Notify(ctx, down("claude", at.Add(5*time.Minute))))
	require.NoError(t, a.Notify(ctx, down("gemini", at.Add(5*time.Minute))))
	require.NoError(t, a.Notify(ctx, down("claude", at.Add(11*time.Minute))))

	assert.Len(t, sender.messages(), 3)
}

func TestAlerter_RecoveryOnlyAfterDownAlert(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard())
	ctx := context.Background()
	recovered := health.Transition{Backend: "claude", From: health.StateDown, To: health.StateHealthy, Reason: "recovered after cooldown"}

	require.NoError(t, a.Notify(ctx, recovered))
	assert.Empty(t, sender.messages())

	require.NoError(t, a.Notify(ctx, down("claude", time.Now())))
	require.NoError(t, a.Notify(ctx, recovered))

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Subject, "claude recovered")
}

func TestAlerter_IgnoresDegraded(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard())

	require.NoError(t, a.Notify(context.Background(), health.Transition{Backend: "claude", From: health.StateHealthy, To: health.StateDegraded}))
	require.NoError(t, a.Notify(context.Background(), health.Transition{Backend: "claude", From: health.StateDegraded, To: health.StateHealthy}))
	assert.Empty(t, sender.messages())
}

func TestAlerter_SendFailureReported(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard())

	err := a.Notify(context.Background(), down("claude", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claude")
	assert.Contains(t, err.Error(), "smtp down")
}

func TestAlerter_ListenDeliversViaRun(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Listen(down("claude", time.Now()))

	assert.Eventually(t, func() bool { return len(sender.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAlerter_ListenNeverBlocks(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard(), WithBuffer(1))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Listen(down("claude", time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen blocked with a full queue")
	}
}

func TestAlerter_NilIsSafe(t *testing.T) {
	var a *Alerter
	a.Listen(down("claude", time.Now()))
	a.Run(context.Background())
}

func TestAlerter_WiredToMonitor(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(sender, []string{"ops@example.com"}, logging.Discard())
	m := health.NewMonitor(health.DefaultConfig())
	m.Subscribe(a.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for i := 0; i < 6; i++ {
		m.Report("claude", backend.Outcome{Kind: backend.KindUnavailable, At: time.Now()})
	}

	assert.Eventually(t, func() bool { return len(sender.messages()) == 1 }, time.Second, 5*time.Millisecond)
}
