package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// Factory builds the transport for a descriptor.
type Factory interface {
	Build(ctx context.Context, desc Descriptor) (Provider, error)
}

// ProviderFactory is the production Factory.
type ProviderFactory struct {
	AWS          aws.Config
	GeminiAPIKey string
	HTTPClient   *http.Client
}

// Build implements Factory.
func (f ProviderFactory) Build(ctx context.Context, desc Descriptor) (Provider, error) {
	switch desc.Provider {
	case ProviderOllama:
		return NewOllamaProvider(desc.Endpoint, f.HTTPClient), nil
	case ProviderBedrock:
		client := bedrockruntime.NewFromConfig(f.AWS, func(o *bedrockruntime.Options) {
			if desc.Region != "" {
				o.Region = desc.Region
			}
			if desc.Endpoint != "" {
				o.BaseEndpoint = aws.String(desc.Endpoint)
			}
		})
		return NewBedrockProvider(client), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, f.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("backend: unknown provider %q", desc.Provider)
	}
}

type registryEntry struct {
	key    string
	client *Client
}

// Registry holds the live set of backend clients. Readers get an immutable
// snapshot; Load swaps it atomically.
type Registry struct {
	factory Factory
	opts    []ClientOption
	logger  *logging.Logger

	mu       sync.Mutex
	snapshot atomic.Pointer[[]registryEntry]
	onLoad   []func([]Descriptor)
}

func NewRegistry(factory Factory, logger *logging.Logger, opts ...ClientOption) *Registry {
	if factory == nil {
		panic("backend: factory cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Registry{factory: factory, opts: opts, logger: logger}
	empty := []registryEntry{}
	r.snapshot.Store(&empty)
	return r
}

// OnLoad registers a callback run after every successful Load.
func (r *Registry) OnLoad(fn func([]Descriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = append(r.onLoad, fn)
}

// Load validates descs and replaces the live set. On error the previous set stays.
// Providers of unchanged descriptors are reused.
func (r *Registry) Load(ctx context.Context, descs []Descriptor) error {
	seen := make(map[string]bool, len(descs))
	var errs []error
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("backend %q: duplicate name", d.Name))
		}
		seen[d.Name] = true
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[string]registryEntry)
	for _, e := range *r.snapshot.Load() {
		previous[e.client.Name()] = e
	}

	next := make([]registryEntry, 0, len(descs))
	for _, d := range descs {
		key := descriptorKey(d)
		if old, ok := previous[d.Name]; ok && old.key == key {
			next = append(next, registryEntry{key: key, client: NewClient(d, old.client.provider, r.opts...)})
			continue
		}
		provider, err := r.factory.Build(ctx, d)
		if err != nil {
			return fmt.Errorf("backend %q: %w", d.Name, err)
		}
		next = append(next, registryEntry{key: key, client: NewClient(d, provider, r.opts...)})
	}
	r.snapshot.Store(&next)

	names := make([]string, 0, len(next))
	for _, e := range next {
		names = append(names, e.client.Name())
	}
	r.logger.Info("backends loaded", "count", len(next), "backends", names)

	for _, fn := range r.onLoad {
		fn(descs)
	}
	return nil
}

// Clients returns the live clients in configuration order.
func (r *Registry) Clients() []*Client {
	entries := *r.snapshot.Load()
	out := make([]*Client, len(entries))
	for i, e := range entries {
		out[i] = e.client
	}
	return out
}

// Client looks up one backend by name.
func (r *Registry) Client(name string) (*Client, bool) {
	for _, e := range *r.snapshot.Load() {
		if e.client.Name() == name {
			return e.client, true
		}
	}
	return nil, false
}

// Descriptors returns the live configuration.
func (r *Registry) Descriptors() []Descriptor {
	entries := *r.snapshot.Load()
	out := make([]Descriptor, len(entries))
	for i, e := range entries {
		out[i] = e.client.Descriptor()
	}
	return out
}

func descriptorKey(d Descriptor) string {
	return d.Provider + "|" + d.Endpoint + "|" + d.Region
}
