package clocksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"github.com/ChuLiYu/sale-sniper/internal/httpclient"
)

var (
	// ErrNoDateHeader 伺服器回應沒有可解析的 Date 標頭
	ErrNoDateHeader = errors.New("clocksync: response has no usable Date header")
	// ErrUnknownPlatform 未設定此平台的時間端點
	ErrUnknownPlatform = errors.New("clocksync: unknown platform")
)

// TimeSource returns a platform's authoritative current time.
type TimeSource interface {
	ServerTime(ctx context.Context, platform string) (time.Time, error)
}

// TimeSourceFunc adapts a plain function to TimeSource.
type TimeSourceFunc func(ctx context.Context, platform string) (time.Time, error)

func (f TimeSourceFunc) ServerTime(ctx context.Context, platform string) (time.Time, error) {
	return f(ctx, platform)
}

// HTTPTimeSource reads the Date header of a GET against each platform's endpoint.
type HTTPTimeSource struct {
	client    httpclient.Doer
	endpoints map[string]string
	userAgent string
}

// NewHTTPTimeSource maps platform names (case-insensitive) to endpoint URLs.
func NewHTTPTimeSource(client httpclient.Doer, endpoints map[string]string, userAgent string) *HTTPTimeSource {
	normalized := make(map[string]string, len(endpoints))
	for name, url := range endpoints {
		normalized[normalize(name)] = url
	}
	return &HTTPTimeSource{client: client, endpoints: normalized, userAgent: userAgent}
}

// ServerTime issues the request and parses the RFC1123 Date header as UTC.
func (s *HTTPTimeSource) ServerTime(ctx context.Context, platform string) (time.Time, error) {
	url, ok := s.endpoints[normalize(platform)]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	return ParseDateHeader(resp.Header.Get("Date"))
}

// ParseDateHeader parses an HTTP Date header ("Mon, 02 Jan 2006 15:04:05 GMT").
func ParseDateHeader(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrNoDateHeader
	}
	t, err := time.Parse(time.RFC1123, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoDateHeader, err)
	}
	return t.UTC(), nil
}

// isPermanent reports errors retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrUnknownPlatform) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
