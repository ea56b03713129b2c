// Package httpclient builds browser-fingerprinted HTTP clients on tls-client
// with round-robin proxy assignment.
package httpclient

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// MaxBodyBytes caps how much of a response body is read.
const MaxBodyBytes = 1 << 20

var (
	ErrUnknownProfile = errors.New("httpclient: unknown client profile")
	ErrNoUsableProxy  = errors.New("httpclient: no usable proxy left")
)

// Doer is the slice of tls_client.HttpClient the sniper depends on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures every client produced by a Factory.
type Options struct {
	Profile         string
	TimeoutSeconds  int
	FollowRedirects bool
	Proxies         []string
}

// ProxiedClient remembers which proxy it was built with.
type ProxiedClient struct {
	tls_client.HttpClient
	ProxyURL string
}

// Factory hands out clients, rotating through the proxy list.
type Factory struct {
	opts    Options
	profile profiles.ClientProfile

	build func(proxyURL string) (*ProxiedClient, error)

	mu      sync.Mutex
	proxies []string
	counter uint32
}

// NewFactory validates the profile name and returns a factory.
func NewFactory(opts Options) (*Factory, error) {
	profile, err := ProfileByName(opts.Profile)
	if err != nil {
		return nil, err
	}
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 30
	}
	proxies := make([]string, 0, len(opts.Proxies))
	for _, p := range opts.Proxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	f := &Factory{opts: opts, profile: profile, proxies: proxies}
	f.build = f.buildClient
	return f, nil
}

// ProfileByName resolves a tls-client profile such as "chrome_120". Empty means Chrome 120.
func ProfileByName(name string) (profiles.ClientProfile, error) {
	if name == "" {
		return profiles.Chrome_120, nil
	}
	profile, ok := profiles.MappedTLSClients[strings.ToLower(name)]
	if !ok {
		return profiles.ClientProfile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return profile, nil
}

// NextProxy returns the proxy the next client would get, advancing the rotation.
func (f *Factory) NextProxy() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.proxies) == 0 {
		return ""
	}
	f.counter++
	return f.proxies[int(f.counter-1)%len(f.proxies)]
}

// RemoveProxy drops a proxy from rotation and returns how many remain.
func (f *Factory) RemoveProxy(proxyURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.proxies {
		if p == proxyURL {
			f.proxies = append(f.proxies[:i], f.proxies[i+1:]...)
			break
		}
	}
	return len(f.proxies)
}

// Proxies returns a copy of the current rotation.
func (f *Factory) Proxies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.proxies...)
}

// New creates a client with its own cookie jar and the next proxy in rotation.
// A proxy the transport cannot be built with is dropped and the next one tried.
func (f *Factory) New() (*ProxiedClient, error) {
	for {
		proxyURL := f.NextProxy()
		client, err := f.build(proxyURL)
		if err == nil {
			return client, nil
		}
		if proxyURL == "" {
			return nil, err
		}
		if f.RemoveProxy(proxyURL) == 0 {
			return nil, fmt.Errorf("%w: last error: %w", ErrNoUsableProxy, err)
		}
	}
}

func (f *Factory) buildClient(proxyURL string) (*ProxiedClient, error) {
	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(f.opts.TimeoutSeconds),
		tls_client.WithClientProfile(f.profile),
		tls_client.WithCookieJar(jar),
	}
	if !f.opts.FollowRedirects {
		options = append(options, tls_client.WithNotFollowRedirects())
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("httpclient: create client: %w", err)
	}
	return &ProxiedClient{HttpClient: client, ProxyURL: proxyURL}, nil
}

// ReadBody reads at most MaxBodyBytes and closes the body.
func ReadBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
