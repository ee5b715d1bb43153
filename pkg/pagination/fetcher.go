package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/svcexp-policy-export/pkg/logging"
	"github.com/Sternrassler/svcexp-policy-export/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultPageSize is the limit appended to start URLs without paging parameters.
const DefaultPageSize = 1000

var (
	// ErrInvalidURL is returned for a start or next URL that cannot be parsed.
	ErrInvalidURL = errors.New("invalid page url")

	// ErrPageLoop is returned when a next link points at a page already visited.
	ErrPageLoop = errors.New("pagination loop")
)

// Prometheus metrics for pagination.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svcexp_pages_fetched_total",
		Help: "Total number of result pages fetched",
	})

	fetchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svcexp_fetch_failures_total",
		Help: "Total number of paginated fetches aborted by a failed page",
	})
)

// Getter performs one GET and decodes the JSON body into v.
// A non-2xx status must be reported as an error.
type Getter interface {
	GetJSON(ctx context.Context, rawURL string, v any) error
}

// Config holds fetcher configuration.
type Config struct {
	// Origin is the scheme://host relative next links are resolved against.
	Origin string

	// PageSize is the limit appended to start URLs without paging parameters.
	PageSize int

	// Pacer is waited on before every page after the first of a fetch.
	Pacer ratelimit.Pacer
}

// DefaultConfig returns 1000-record pages with a one second pause between pages.
func DefaultConfig(origin string) Config {
	return Config{
		Origin:   origin,
		PageSize: DefaultPageSize,
		Pacer:    ratelimit.NewFixedPacer(ratelimit.DefaultDelay),
	}
}

// Page is one response of a paginated collection.
type Page[T any] struct {
	Results []T    `json:"results"`
	Next    string `json:"next"`
}

// Fetcher walks paginated collections sequentially. It keeps no state between calls.
type Fetcher struct {
	getter Getter
	origin *url.URL
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a fetcher. Missing page size and pacer fall back to defaults.
func NewFetcher(getter Getter, config Config) (*Fetcher, error) {
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}

	origin, err := url.Parse(config.Origin)
	if err != nil || !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("%w: origin %q must be absolute", ErrInvalidURL, config.Origin)
	}

	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Pacer == nil {
		config.Pacer = ratelimit.NewFixedPacer(ratelimit.DefaultDelay)
	}

	return &Fetcher{
		getter: getter,
		origin: origin,
		config: config,
		logger: logging.NewLogger("fetcher"),
	}, nil
}

// FetchAll returns the concatenated results of every page reachable from
// startURL, in the order pages were visited. Any failed page aborts the walk
// and the records gathered so far are discarded.
func FetchAll[T any](ctx context.Context, f *Fetcher, startURL string) ([]T, error) {
	start := time.Now()

	current, err := f.WithPaging(startURL)
	if err != nil {
		return nil, err
	}

	var all []T
	visited := make(map[string]struct{})

	for page := 1; current != ""; page++ {
		if _, seen := visited[current]; seen {
			fetchFailuresTotal.Inc()
			return nil, fmt.Errorf("%w: page %d repeats %s", ErrPageLoop, page, current)
		}
		visited[current] = struct{}{}

		if page > 1 {
			if err := f.config.Pacer.Wait(ctx); err != nil {
				fetchFailuresTotal.Inc()
				return nil, fmt.Errorf("wait before page %d: %w", page, err)
			}
		}

		f.logger.Info().
			Int("page", page).
			Str("url", current).
			Msg("Fetching page")

		var p Page[T]
		if err := f.getter.GetJSON(ctx, current, &p); err != nil {
			fetchFailuresTotal.Inc()
			f.logger.Error().
				Err(err).
				Int("page", page).
				Str("url", current).
				Msg("Page fetch failed, discarding collected records")
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}
		pagesFetchedTotal.Inc()

		all = append(all, p.Results...)

		current, err = f.resolveNext(p.Next)
		if err != nil {
			fetchFailuresTotal.Inc()
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		if current == "" {
			f.logger.Info().
				Int("pages", page).
				Int("records", len(all)).
				Dur("duration", time.Since(start)).
				Msg("Fetch complete")
		}
	}

	return all, nil
}

// WithPaging appends limit and offset=0 to rawURL unless it already carries
// either parameter. Relative URLs are resolved against the origin.
func (f *Fetcher) WithPaging(rawURL string) (string, error) {
	u, err := f.resolve(rawURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	if q.Has("limit") || q.Has("offset") {
		return u.String(), nil
	}

	paging := "limit=" + strconv.Itoa(f.config.PageSize) + "&offset=0"
	if u.RawQuery == "" {
		u.RawQuery = paging
	} else {
		u.RawQuery = strings.TrimSuffix(u.RawQuery, "&") + "&" + paging
	}

	return u.String(), nil
}

// resolveNext turns a "next" value into an absolute URL, or "" at the end.
func (f *Fetcher) resolveNext(next string) (string, error) {
	next = strings.TrimSpace(next)
	if next == "" {
		return "", nil
	}

	u, err := f.resolve(next)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (f *Fetcher) resolve(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidURL, rawURL, err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, rawURL)
		}
		return ref, nil
	}
	return f.origin.ResolveReference(ref), nil
}
