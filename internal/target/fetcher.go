// Package target adapts the sniper to a concrete sale page: snapshot fetching,
// order submission and target-time parsing.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/sale-sniper/internal/httpclient"
	"github.com/ChuLiYu/sale-sniper/pkg/types"
)

// ErrBadStatus the snapshot endpoint answered with a non-2xx status.
var ErrBadStatus = errors.New("target: unexpected status")

// wireSnapshot is the JSON document served by the snapshot endpoint.
type wireSnapshot struct {
	Title           string           `json:"title"`
	PriceInfo       *types.PriceInfo `json:"price_info"`
	TargetTime      string           `json:"target_time"`
	TargetTimestamp float64          `json:"target_timestamp"`
	Resources       []types.Resource `json:"resources"`
}

// FetcherOptions configures HTTPFetcher.
type FetcherOptions struct {
	Zone              *time.Location
	DefaultTargetTime string // used when the document has no target_time
	UserAgent         string
	Cookie            string
	Logger            zerolog.Logger
	Now               func() time.Time
}

// HTTPFetcher reads snapshots from a JSON endpoint.
type HTTPFetcher struct {
	client httpclient.Doer
	opts   FetcherOptions
}

// NewHTTPFetcher creates a fetcher over client.
func NewHTTPFetcher(client httpclient.Doer, opts FetcherOptions) *HTTPFetcher {
	if opts.Zone == nil {
		opts.Zone = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HTTPFetcher{client: client, opts: opts}
}

// FetchSnapshot GETs url and decodes the snapshot. Validation is left to the caller.
func (f *HTTPFetcher) FetchSnapshot(ctx context.Context, url string) (types.ResourceSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("target: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	if f.opts.Cookie != "" {
		req.Header.Set("Cookie", f.opts.Cookie)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("target: fetch %s: %w", url, err)
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("target: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.ResourceSnapshot{}, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var doc wireSnapshot
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("target: decode snapshot: %w", err)
	}
	return f.complete(doc)
}

// complete fills the target time from the default and derives the timestamp.
func (f *HTTPFetcher) complete(doc wireSnapshot) (types.ResourceSnapshot, error) {
	snap := types.ResourceSnapshot{
		Title:           doc.Title,
		PriceInfo:       doc.PriceInfo,
		TargetTime:      doc.TargetTime,
		TargetTimestamp: doc.TargetTimestamp,
		Resources:       doc.Resources,
	}

	if snap.TargetTime == "" && f.opts.DefaultTargetTime != "" {
		snap.TargetTime = f.opts.DefaultTargetTime
		f.opts.Logger.Debug().Str("default", snap.TargetTime).Msg("snapshot has no target time, using default")
	}
	if snap.TargetTimestamp == 0 && snap.TargetTime != "" {
		at, err := ParseTargetTime(snap.TargetTime, f.opts.Zone, f.opts.Now())
		if err != nil {
			return types.ResourceSnapshot{}, err
		}
		snap.TargetTimestamp = types.EpochSeconds(at)
	}
	if snap.TargetTimestamp > 0 && snap.Target().Before(f.opts.Now()) {
		f.opts.Logger.Warn().Str("target_time", snap.TargetTime).Msg("target time is already in the past")
	}
	return snap, nil
}

// StaticFetcher serves one fixed snapshot; used when the target is configured by hand.
type StaticFetcher struct {
	snapshot types.ResourceSnapshot
}

// NewStaticFetcher builds the snapshot from a title and a human target time.
func NewStaticFetcher(title, targetTime string, zone *time.Location, now time.Time) (*StaticFetcher, error) {
	at, err := ParseTargetTime(targetTime, zone, now)
	if err != nil {
		return nil, err
	}
	snap := types.ResourceSnapshot{
		Title:           title,
		TargetTime:      at.Format(Layout),
		TargetTimestamp: types.EpochSeconds(at),
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &StaticFetcher{snapshot: snap}, nil
}

// FetchSnapshot returns the configured snapshot.
func (f *StaticFetcher) FetchSnapshot(ctx context.Context, _ string) (types.ResourceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.ResourceSnapshot{}, err
	}
	return f.snapshot, nil
}
