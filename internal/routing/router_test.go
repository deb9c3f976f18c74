package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/comchat-platform/internal/backend"
	"github.com/wolfman30/comchat-platform/internal/health"
	"github.com/wolfman30/comchat-platform/internal/observability/metrics"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	err   error
	text  string
	delay time.Duration
}

func (p *scriptedProvider) Generate(ctx context.Context, _ backend.Request) (backend.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return backend.Completion{}, ctx.Err()
		}
	}
	if p.err != nil {
		return backend.Completion{}, p.err
	}
	text := p.text
	if text == "" {
		text = "ok"
	}
	return backend.Completion{Text: text}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type staticBackends []*backend.Client

func (s staticBackends) Clients() []*backend.Client { return s }

type fixture struct {
	monitor   *health.Monitor
	router    *Router
	providers map[string]*scriptedProvider
}

func newFixture(t *testing.T, cfg Config, descs ...backend.Descriptor) *fixture {
	t.Helper()
	monitor := health.NewMonitor(health.Config{DegradeAfter: 1, DownAfter: 1, MinSamples: 1000}, health.WithLogger(logging.Discard()))
	f := &fixture{monitor: monitor, providers: map[string]*scriptedProvider{}}
	var clients staticBackends
	for _, d := range descs {
		p := &scriptedProvider{text: "reply from " + d.Name}
		f.providers[d.Name] = p
		clients = append(clients, backend.NewClient(d, p,
			backend.WithReporter(monitor),
			backend.WithDefaultTimeout(200*time.Millisecond),
			backend.WithLogger(logging.Discard()),
		))
	}
	f.router = New(clients, monitor, cfg, metrics.NewRoutingMetrics(prometheus.NewRegistry()), logging.Discard())
	return f
}

func local(name string, priority int, modalities ...backend.Modality) backend.Descriptor {
	if len(modalities) == 0 {
		modalities = []backend.Modality{backend.ModalityText}
	}
	return backend.Descriptor{Name: name, Provider: backend.ProviderOllama, Model: "m", Modalities: modalities, Local: true, Priority: priority}
}

func cloud(name string, priority int, modalities ...backend.Modality) backend.Descriptor {
	d := local(name, priority, modalities...)
	d.Provider = backend.ProviderBedrock
	d.Local = false
	return d
}

func names(clients []*backend.Client) []string {
	out := make([]string, len(clients))
	for i, c := range clients {
		out[i] = c.Name()
	}
	return out
}

func markDown(m *health.Monitor, name string) {
	m.Report(name, backend.Outcome{Kind: backend.KindUnavailable})
	m.Report(name, backend.Outcome{Kind: backend.KindUnavailable})
}

func TestCandidatesPolicyOrdering(t *testing.T) {
	f := newFixture(t, Config{}, cloud("cloud-b", 2), local("local-a", 1), cloud("cloud-a", 1), local("local-b", 2))

	assert.Equal(t, []string{"local-a", "local-b", "cloud-a", "cloud-b"}, names(f.router.Candidates(PolicyPreferLocal, backend.ModalityText)))
	assert.Equal(t, []string{"cloud-a", "cloud-b", "local-a", "local-b"}, names(f.router.Candidates(PolicyPreferCloud, backend.ModalityText)))
	assert.Equal(t, []string{"local-a", "local-b"}, names(f.router.Candidates(PolicyLocalOnly, backend.ModalityText)))
	assert.Equal(t, []string{"cloud-a", "cloud-b"}, names(f.router.Candidates(PolicyCloudOnly, backend.ModalityText)))
}

func TestCandidatesHealthBeatsPreference(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	f.monitor.Report("local", backend.Outcome{Kind: backend.KindTimeout})
	require.Equal(t, health.StateDegraded, f.monitor.Status("local"))

	assert.Equal(t, []string{"cloud", "local"}, names(f.router.Candidates(PolicyPreferLocal, backend.ModalityText)))
}

func TestCandidatesDownOnlyAsLastResort(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	markDown(f.monitor, "local")
	require.Equal(t, health.StateDown, f.monitor.Status("local"))

	assert.Equal(t, []string{"cloud"}, names(f.router.Candidates(PolicyPreferLocal, backend.ModalityText)))
	assert.Equal(t, []string{"local"}, names(f.router.Candidates(PolicyLocalOnly, backend.ModalityText)))
}

func TestCandidatesModalityAndCap(t *testing.T) {
	f := newFixture(t, Config{MaxCandidates: 1}, local("text", 1), cloud("vision-1", 1, backend.ModalityImage), cloud("vision-2", 2, backend.ModalityImage))
	assert.Equal(t, []string{"vision-1"}, names(f.router.Candidates(PolicyPreferLocal, backend.ModalityImage)))
}

func TestBudgetCoversEveryCandidateAtSlowestTimeout(t *testing.T) {
	slowCloud := cloud("cloud", 1)
	slowCloud.Timeout = 3 * time.Second
	fastLocal := local("local-a", 1)
	fastLocal.Timeout = time.Second

	// local-b keeps the fixture default of 200ms.
	f := newFixture(t, Config{}, fastLocal, slowCloud, local("local-b", 2))
	assert.Equal(t, 9*time.Second, f.router.Budget(PolicyPreferLocal, backend.ModalityText))
	assert.Equal(t, 2*time.Second, f.router.Budget(PolicyLocalOnly, backend.ModalityText))
	assert.Equal(t, time.Duration(0), f.router.Budget(PolicyPreferLocal, backend.ModalityImage))

	capped := newFixture(t, Config{MaxCandidates: 2}, fastLocal, slowCloud, local("local-b", 2))
	assert.Equal(t, 6*time.Second, capped.router.Budget(PolicyPreferLocal, ""))
}

func TestRoutePrefersLocal(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	res, err := f.router.Route(context.Background(), Request{Tenant: "demo", Policy: PolicyPreferLocal, Input: backend.Turn{Text: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Backend)
	assert.Equal(t, "reply from local", res.Text)
	assert.Empty(t, res.Attempts)
	assert.Equal(t, 0, f.providers["cloud"].Calls())
}

func TestRouteFallsBackOnFailure(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	f.providers["local"].err = backend.Failure(backend.KindUnavailable, errors.New("connection refused"))

	res, err := f.router.Route(context.Background(), Request{Policy: PolicyPreferLocal, Input: backend.Turn{Text: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "cloud", res.Backend)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, backend.KindUnavailable, res.Attempts[0].Kind)
}

func TestRouteWithLocalDownGoesToCloud(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	markDown(f.monitor, "local")

	res, err := f.router.Route(context.Background(), Request{Policy: PolicyPreferLocal, Input: backend.Turn{Text: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "cloud", res.Backend)
	assert.Equal(t, 0, f.providers["local"].Calls())
}

func TestRouteLocalOnlyStillTriesDownBackend(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	markDown(f.monitor, "local")

	res, err := f.router.Route(context.Background(), Request{Policy: PolicyLocalOnly, Input: backend.Turn{Text: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Backend)
	assert.Equal(t, 1, f.providers["local"].Calls())
	assert.Equal(t, 0, f.providers["cloud"].Calls())
}

func TestRouteInvalidRequestAborts(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	f.providers["local"].err = backend.Failure(backend.KindInvalidRequest, errors.New("prompt too long"))

	_, err := f.router.Route(context.Background(), Request{Policy: PolicyPreferLocal, Input: backend.Turn{Text: "Hello"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrInvalidRequest)
	assert.Equal(t, 0, f.providers["cloud"].Calls())
	assert.Equal(t, health.StateHealthy, f.monitor.Status("local"), "invalid requests do not count against health")
}

func TestRouteRateLimitedThrottlesAndFallsThrough(t *testing.T) {
	f := newFixture(t, Config{RateLimitCooldown: time.Minute}, cloud("cloud-a", 1), cloud("cloud-b", 2))
	f.providers["cloud-a"].err = backend.Failure(backend.KindRateLimited, errors.New("429"))

	res, err := f.router.Route(context.Background(), Request{Policy: PolicyCloudOnly, Input: backend.Turn{Text: "Hello"}})
	require.NoError(t, err)
	assert.Equal(t, "cloud-b", res.Backend)
	assert.Equal(t, health.StateDegraded, f.monitor.Status("cloud-a"))
}

func TestRouteExhaustedTriesEachCandidateOnce(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))
	f.providers["local"].delay = time.Second
	f.providers["cloud"].delay = time.Second

	_, err := f.router.Route(context.Background(), Request{Policy: PolicyPreferLocal, Input: backend.Turn{Text: "Hello"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "local", exhausted.Attempts[0].Backend)
	assert.Equal(t, backend.KindTimeout, exhausted.Attempts[0].Kind)
	assert.Equal(t, backend.KindTimeout, exhausted.Attempts[1].Kind)
	assert.Equal(t, 1, f.providers["local"].Calls())
	assert.Equal(t, 1, f.providers["cloud"].Calls())
	assert.Contains(t, err.Error(), "local=timeout")
}

func TestRouteImageWithoutImageBackend(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), cloud("cloud", 1))

	_, err := f.router.Route(context.Background(), Request{
		Policy:   PolicyPreferLocal,
		Modality: backend.ModalityImage,
		Input:    backend.Turn{Text: "what is this", Image: &backend.Image{MIMEType: "image/png", Data: []byte{1}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrInvalidRequest)
	assert.ErrorIs(t, err, ErrNoImageBackend)
	assert.Equal(t, 0, f.providers["local"].Calls())
	assert.Equal(t, 0, f.providers["cloud"].Calls())
}

func TestRouteImageUsesVisionBackend(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1), local("llava", 2, backend.ModalityImage))
	res, err := f.router.Route(context.Background(), Request{
		Policy:   PolicyPreferLocal,
		Modality: backend.ModalityImage,
		Input:    backend.Turn{Text: "what is this", Image: &backend.Image{MIMEType: "image/png", Data: []byte{1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "llava", res.Backend)
}

func TestRouteNoCandidates(t *testing.T) {
	f := newFixture(t, Config{}, local("local", 1))
	_, err := f.router.Route(context.Background(), Request{Policy: PolicyCloudOnly, Input: backend.Turn{Text: "Hello"}})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("PREFER_CLOUD")
	require.NoError(t, err)
	assert.Equal(t, PolicyPreferCloud, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}
