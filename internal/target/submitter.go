package target

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	http "github.com/bogdanfinn/fhttp"

	"github.com/ChuLiYu/sale-sniper/internal/httpclient"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// SubmitterOptions configures HTTPSubmitter.
type SubmitterOptions struct {
	URL       string
	Cookie    string
	UserAgent string
	Headers   map[string]string
}

// HTTPSubmitter posts the payload as a form. Safe for concurrent use when client is.
type HTTPSubmitter struct {
	client httpclient.Doer
	opts   SubmitterOptions
}

// NewHTTPSubmitter creates a submitter over client.
func NewHTTPSubmitter(client httpclient.Doer, opts SubmitterOptions) *HTTPSubmitter {
	return &HTTPSubmitter{client: client, opts: opts}
}

// Submit posts payload and returns the response text. The body is returned for
// any status: acceptance is decided by the success marker, not the status code.
func (s *HTTPSubmitter) Submit(ctx context.Context, payload types.Payload) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, strings.NewReader(encodeForm(payload)))
	if err != nil {
		return "", fmt.Errorf("target: build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
	if s.opts.Cookie != "" {
		req.Header.Set("Cookie", s.opts.Cookie)
	}
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("target: submit: %w", err)
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return "", fmt.Errorf("target: read submit response: %w", err)
	}
	return body, nil
}

// encodeForm encodes payload; url.Values sorts by key.
func encodeForm(payload types.Payload) string {
	values := url.Values{}
	for k, v := range payload {
		values.Set(k, v)
	}
	return values.Encode()
}
