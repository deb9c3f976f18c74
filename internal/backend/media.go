package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// MaxImageBytes caps downloaded media.
const MaxImageBytes = 10 << 20

const maxMediaRedirects = 5

// ErrMediaRefused is returned for media the fetcher will not download.
var ErrMediaRefused = errors.New("backend: media refused")

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// MediaRequest identifies one inbound attachment. URL is either an https URL
// or a channel reference of the form <channel>:<ref>.
type MediaRequest struct {
	Tenant   string
	Channel  string
	URL      string
	MIMEType string
}

// MediaFetcher downloads inbound media so it can be inlined into a model call.
type MediaFetcher interface {
	Fetch(ctx context.Context, req MediaRequest) (*Image, error)
}

// MediaResolver turns a channel media reference into a download URL and the
// bearer token needed to fetch it, if any.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, tenant, ref string) (url, token string, err error)
}

type resolvedFetchKey struct{}

// HTTPMediaFetcher downloads media over HTTPS. Channel references are
// resolved by the channel's MediaResolver; any other URL must be https on an
// allowed host.
type HTTPMediaFetcher struct {
	client    *http.Client
	allowed   []string
	resolvers map[string]MediaResolver
}

// NewHTTPMediaFetcher builds a fetcher that accepts plain URLs on
// allowedHosts only. A host starting with "." matches its subdomains. A nil
// client gets one whose dialer refuses non-public addresses.
func NewHTTPMediaFetcher(client *http.Client, allowedHosts ...string) *HTTPMediaFetcher {
	if client == nil {
		client = NewGuardedHTTPClient(15 * time.Second)
	}
	f := &HTTPMediaFetcher{resolvers: map[string]MediaResolver{}}
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			f.allowed = append(f.allowed, h)
		}
	}
	cp := *client
	cp.CheckRedirect = f.checkRedirect
	f.client = &cp
	return f
}

// RegisterResolver handles <channel>:<ref> references arriving on channel.
// Not safe to call once Fetch is in use.
func (f *HTTPMediaFetcher) RegisterResolver(channel string, r MediaResolver) *HTTPMediaFetcher {
	if channel != "" && r != nil {
		f.resolvers[strings.ToLower(channel)] = r
	}
	return f
}

// Fetch downloads the attachment. The returned MIME type prefers the
// server's Content-Type.
func (f *HTTPMediaFetcher) Fetch(ctx context.Context, req MediaRequest) (*Image, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return nil, errors.New("backend: media url is empty")
	}

	target, token, resolved := raw, "", false
	if scheme, ref, ok := strings.Cut(raw, ":"); ok {
		if r, ok := f.resolvers[strings.ToLower(scheme)]; ok {
			if !strings.EqualFold(scheme, req.Channel) {
				return nil, fmt.Errorf("%w: %s reference on %s channel", ErrMediaRefused, scheme, req.Channel)
			}
			u, tok, err := r.ResolveMedia(ctx, req.Tenant, ref)
			if err != nil {
				return nil, fmt.Errorf("backend: resolve media: %w", err)
			}
			target, token, resolved = u, tok, true
		}
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url", ErrMediaRefused)
	}
	if resolved {
		ctx = context.WithValue(ctx, resolvedFetchKey{}, true)
	} else if err := f.check(u); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build media request: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		// Resolved URLs may embed credentials; keep them out of the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("backend: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("backend: read media: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("backend: media exceeds %d bytes", MaxImageBytes)
	}
	mimeType := req.MIMEType
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		mimeType = strings.TrimSpace(strings.Split(ct, ";")[0])
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &Image{MIMEType: mimeType, Data: data}, nil
}

func (f *HTTPMediaFetcher) check(u *url.URL) error {
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrMediaRefused, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrMediaRefused)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range f.allowed {
		if host == allowed || (strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed)) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %s not allowed", ErrMediaRefused, host)
}

func (f *HTTPMediaFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxMediaRedirects {
		return fmt.Errorf("%w: too many redirects", ErrMediaRefused)
	}
	if resolved, _ := req.Context().Value(resolvedFetchKey{}).(bool); resolved {
		if req.URL.Scheme != "https" && req.URL.Scheme != via[0].URL.Scheme {
			return fmt.Errorf("%w: redirect downgrades scheme", ErrMediaRefused)
		}
		return nil
	}
	return f.check(req.URL)
}

// NewGuardedHTTPClient returns a client that only connects to public
// addresses. The check runs after DNS resolution, so it also covers names
// that resolve to internal hosts.
func NewGuardedHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, Control: refuseNonPublic}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaRefused, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unresolved address %s", ErrMediaRefused, host)
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || sharedAddressSpace.Contains(ip) {
		return fmt.Errorf("%w: address %s is not public", ErrMediaRefused, ip)
	}
	return nil
}
