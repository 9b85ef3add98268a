// Package scrape fetches a company's homepage and a few well-known pages and
// turns them into raw content for the pipeline. It never follows links.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadscore/leadscore/internal/features"
	"github.com/leadscore/leadscore/internal/lead"
)

const (
	// DefaultUserAgent identifies the fetcher to site operators.
	DefaultUserAgent = "leadscore/1.0 (+https://github.com/leadscore/leadscore)"
	// MaxBodyBytes caps how much of any single response is read.
	MaxBodyBytes = 5 << 20
)

// DefaultExtraPaths are fetched alongside the homepage when present.
var DefaultExtraPaths = []string{"/about", "/careers"}

// Config controls fetch behaviour.
type Config struct {
	Timeout           time.Duration
	Retries           int
	RetryWait         time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// ExtraPaths are fetched best effort and their text appended to the
	// homepage. Nil uses DefaultExtraPaths; an empty slice disables them.
	ExtraPaths []string
}

// Fetcher retrieves company pages with per-host rate limiting and retries.
// It is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	limiter   *HostLimiter
	userAgent string
	retries   int
	retryWait time.Duration
	extra     []string
	logger    *slog.Logger
}

// New creates a Fetcher. Zero fields take the defaults: 10s timeout, 3
// retries one second apart, 1 request per second per host with burst 2.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.ExtraPaths == nil {
		cfg.ExtraPaths = DefaultExtraPaths
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:   NewHostLimiter(cfg.RequestsPerSecond, cfg.Burst),
		userAgent: cfg.UserAgent,
		retries:   cfg.Retries,
		retryWait: cfg.RetryWait,
		extra:     cfg.ExtraPaths,
		logger:    slog.Default(),
	}
}

type page struct {
	body        string
	contentType string
	status      int
	header      http.Header
}

// NormalizeURL adds an https scheme to bare domains and checks there is a
// host.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty url")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return u.String(), nil
}

// Fetch downloads the homepage at rawURL, detects technologies and appends
// the text of any extra pages that respond with 200.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (lead.RawCompanyContent, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return lead.RawCompanyContent{}, err
	}

	home, err := f.get(ctx, target, f.retries)
	if err != nil {
		return lead.RawCompanyContent{}, err
	}

	raw := lead.RawCompanyContent{
		URL:         target,
		Body:        home.body,
		ContentType: home.contentType,
		StatusCode:  home.status,
	}
	isHTML := strings.Contains(home.contentType, "html")
	if isHTML {
		raw.Technologies = DetectTechnologies(home.body, home.header)
	}
	if home.status != http.StatusOK {
		return raw, nil
	}

	for _, text := range f.extraTexts(ctx, target) {
		if isHTML {
			// Trailing content lands inside <body> when parsed.
			raw.Body += "\n<section>" + html.EscapeString(text) + "</section>"
		} else {
			raw.Body += "\n\n" + text
		}
	}
	return raw, nil
}

func (f *Fetcher) extraTexts(ctx context.Context, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	var texts []string
	for _, p := range f.extra {
		ref, err := url.Parse(p)
		if err != nil {
			continue
		}
		u := baseURL.ResolveReference(ref).String()
		pg, err := f.get(ctx, u, 0)
		if err != nil || pg.status != http.StatusOK {
			f.logger.Debug("fetch: skipping extra page", "url", u, "error", err)
			continue
		}
		parsed := features.ParsePage(lead.RawCompanyContent{Body: pg.body, ContentType: pg.contentType})
		if parsed.Text != "" {
			texts = append(texts, parsed.Text)
		}
	}
	return texts
}

// get issues a GET, retrying transport errors and 5xx responses. The last
// response is returned when retries run out on a 5xx.
func (f *Fetcher) get(ctx context.Context, target string, retries int) (page, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return page{}, ctx.Err()
			case <-time.After(f.retryWait):
			}
		}
		if err := f.limiter.WaitURL(ctx, target); err != nil {
			return page{}, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		pg, err := f.do(ctx, target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return page{}, err
			}
			f.logger.Debug("fetch: attempt failed", "url", target, "attempt", attempt+1, "error", err)
			continue
		}
		if pg.status >= 500 && attempt < retries {
			lastErr = fmt.Errorf("%s returned status %d", target, pg.status)
			continue
		}
		return pg, nil
	}
	return page{}, fmt.Errorf("fetching %s: %w", target, lastErr)
}

func (f *Fetcher) do(ctx context.Context, target string) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return page{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return page{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return page{}, fmt.Errorf("reading body: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	return page{body: string(b), contentType: ct, status: resp.StatusCode, header: resp.Header}, nil
}
