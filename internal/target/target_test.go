package target

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

var utc8 = time.FixedZone("UTC+8", 8*3600)

type stubDoer struct {
	status int
	body   string
	err    error

	method  string
	header  http.Header
	payload string
}

func (d *stubDoer) Do(req *http.Request) (*http.Response, error) {
	d.method = req.Method
	d.header = req.Header.Clone()
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		d.payload = string(b)
	}
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

// ============================================================================
// ParseTargetTime
// ============================================================================

func TestParseTargetTimeFullForms(t *testing.T) {
	now := time.Date(2025, 10, 1, 0, 0, 0, 0, utc8)
	want := time.Date(2025, 11, 11, 20, 0, 0, 0, utc8)

	for _, in := range []string{"2025/11/11 20:00:00", "2025-11-11 20:00:00", "2025/11/11 20:00", " 2025-11-11 20:00 "} {
		got, err := ParseTargetTime(in, utc8, now)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), "%s parsed as %s", in, got)
	}
}

func TestParseTargetTimeShortFormUsesCurrentYear(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, utc8)

	got, err := ParseTargetTime("11.11 20:00", utc8, now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 11, 11, 20, 0, 0, 0, utc8)))

	got, err = ParseTargetTime("6.18 0:00", utc8, now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 6, 18, 0, 0, 0, 0, utc8)))
}

func TestParseTargetTimeZone(t *testing.T) {
	got, err := ParseTargetTime("2025/11/11 20:00:00", utc8, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1762862400), got.Unix(), "20:00 at UTC+8 is 12:00 UTC")
}

func TestParseTargetTimeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "soon", "2025/13/40 99:00:00"} {
		_, err := ParseTargetTime(in, utc8, time.Now())
		assert.ErrorIs(t, err, ErrBadTargetTime, in)
	}
}

// ============================================================================
// HTTPFetcher
// ============================================================================

func TestHTTPFetcherDecodesSnapshot(t *testing.T) {
	doer := &stubDoer{status: 200, body: `{
		"title": "Limited Sneaker",
		"price_info": {"price": 199.5, "promotion": "11.11", "sales": "1k+"},
		"target_time": "2025/11/11 20:00:00",
		"resources": [{"kind": "image", "url": "https://img/1.jpg"}]
	}`}
	f := NewHTTPFetcher(doer, FetcherOptions{Zone: utc8, Cookie: "sid=1", UserAgent: "ua"})

	snap, err := f.FetchSnapshot(context.Background(), "https://item.example/1")
	require.NoError(t, err)
	require.NoError(t, snap.Validate())

	assert.Equal(t, "Limited Sneaker", snap.Title)
	require.NotNil(t, snap.PriceInfo)
	assert.Equal(t, 199.5, *snap.PriceInfo.Price)
	assert.Equal(t, float64(1762862400), snap.TargetTimestamp)
	assert.Len(t, snap.Resources, 1)

	assert.Equal(t, http.MethodGet, doer.method)
	assert.Equal(t, "sid=1", doer.header.Get("Cookie"))
	assert.Equal(t, "ua", doer.header.Get("User-Agent"))
}

func TestHTTPFetcherDefaultTargetTime(t *testing.T) {
	doer := &stubDoer{status: 200, body: `{"title": "Phone", "price_info": null}`}
	f := NewHTTPFetcher(doer, FetcherOptions{Zone: utc8, DefaultTargetTime: "2025/11/11 20:00:00"})

	snap, err := f.FetchSnapshot(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "2025/11/11 20:00:00", snap.TargetTime)
	assert.Nil(t, snap.PriceInfo)
	assert.NoError(t, snap.Validate())
}

func TestHTTPFetcherKeepsExplicitTimestamp(t *testing.T) {
	doer := &stubDoer{status: 200, body: `{"title": "T", "target_time": "soon", "target_timestamp": 1762862400.25}`}
	f := NewHTTPFetcher(doer, FetcherOptions{})

	snap, err := f.FetchSnapshot(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 1762862400.25, snap.TargetTimestamp)
}

func TestHTTPFetcherMissingFieldsLeftToValidation(t *testing.T) {
	doer := &stubDoer{status: 200, body: `{"title": "T"}`}
	snap, err := NewHTTPFetcher(doer, FetcherOptions{}).FetchSnapshot(context.Background(), "u")
	require.NoError(t, err)
	assert.ErrorIs(t, snap.Validate(), types.ErrSnapshotInvalid)
}

func TestHTTPFetcherErrors(t *testing.T) {
	_, err := NewHTTPFetcher(&stubDoer{status: 503, body: "busy"}, FetcherOptions{}).
		FetchSnapshot(context.Background(), "u")
	assert.ErrorIs(t, err, ErrBadStatus)

	_, err = NewHTTPFetcher(&stubDoer{status: 200, body: "<html>"}, FetcherOptions{}).
		FetchSnapshot(context.Background(), "u")
	assert.Error(t, err)

	transport := errors.New("tls handshake timeout")
	_, err = NewHTTPFetcher(&stubDoer{err: transport}, FetcherOptions{}).
		FetchSnapshot(context.Background(), "u")
	assert.ErrorIs(t, err, transport)

	_, err = NewHTTPFetcher(&stubDoer{status: 200, body: `{"title":"T","target_time":"whenever"}`}, FetcherOptions{}).
		FetchSnapshot(context.Background(), "u")
	assert.ErrorIs(t, err, ErrBadTargetTime)
}

// ============================================================================
// StaticFetcher
// ============================================================================

func TestStaticFetcher(t *testing.T) {
	now := time.Date(2025, 11, 1, 0, 0, 0, 0, utc8)
	f, err := NewStaticFetcher("Console", "11.11 20:00", utc8, now)
	require.NoError(t, err)

	snap, err := f.FetchSnapshot(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "2025/11/11 20:00:00", snap.TargetTime)
	assert.Equal(t, float64(1762862400), snap.TargetTimestamp)

	_, err = NewStaticFetcher("", "11.11 20:00", utc8, now)
	assert.ErrorIs(t, err, types.ErrSnapshotInvalid)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FetchSnapshot(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// HTTPSubmitter
// ============================================================================

func TestHTTPSubmitterPostsForm(t *testing.T) {
	doer := &stubDoer{status: 200, body: "<a>安全链接</a>"}
	s := NewHTTPSubmitter(doer, SubmitterOptions{
		URL:     "https://buy.example/order",
		Cookie:  "sid=abc",
		Headers: map[string]string{"Referer": "https://item.example/1"},
	})

	text, err := s.Submit(context.Background(), types.Payload{"sku": "42", "qty": "1"})
	require.NoError(t, err)
	assert.Equal(t, "<a>安全链接</a>", text)

	assert.Equal(t, http.MethodPost, doer.method)
	assert.Equal(t, "qty=1&sku=42", doer.payload)
	assert.Equal(t, "application/x-www-form-urlencoded", doer.header.Get("Content-Type"))
	assert.Equal(t, "sid=abc", doer.header.Get("Cookie"))
	assert.Equal(t, "https://item.example/1", doer.header.Get("Referer"))
}

func TestHTTPSubmitterReturnsBodyOnErrorStatus(t *testing.T) {
	s := NewHTTPSubmitter(&stubDoer{status: 429, body: "slow down"}, SubmitterOptions{URL: "https://buy.example"})
	text, err := s.Submit(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "slow down", text)
}

func TestHTTPSubmitterTransportError(t *testing.T) {
	s := NewHTTPSubmitter(&stubDoer{err: errors.New("EOF")}, SubmitterOptions{URL: "https://buy.example"})
	_, err := s.Submit(context.Background(), types.Payload{"a": "b"})
	assert.Error(t, err)
}
