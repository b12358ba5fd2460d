// Package scraper collects raw product listings from grocery sites. Each site
// is served by an independent Scraper chosen by the "kind" in its site
// definition; there is no shared base type.
package scraper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

// Scraper fetches the listings of one site.
type Scraper interface {
	Site() string
	ScrapeProducts(ctx context.Context, categories []string) ([]*models.RawListing, error)
}

// Env carries the process-wide settings a scraper may need.
type Env struct {
	Cfg    *config.Config
	Logger *utils.Logger
}

func (e Env) retry() *utils.RetryConfig {
	return &utils.RetryConfig{
		MaxAttempts: e.Cfg.MaxRetries,
		BaseDelay:   2 * time.Second,
		Logger:      e.Logger,
	}
}

func (e Env) rateLimit(sc config.SiteConfig) time.Duration {
	if sc.RateLimitMs > 0 {
		return time.Duration(sc.RateLimitMs) * time.Millisecond
	}
	return time.Duration(e.Cfg.RateLimitMs) * time.Millisecond
}

// Factory builds a Scraper for one configured site.
type Factory func(site string, sc config.SiteConfig, env Env) (Scraper, error)

// Registry maps a site kind to the factory implementing it.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in kind registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("static", NewStatic)
	r.Register("csvfeed", NewCSVFeed)
	r.Register("htmlsite", NewHTMLSite)
	r.Register("jsonapi", NewJSONAPI)
	r.Register("browser", NewBrowser)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// Build instantiates the enabled sites, restricted to only when it is not
// empty. The reference site is always built. Sites come back sorted by name.
func (r *Registry) Build(sites map[string]config.SiteConfig, only []string, reference string, env Env) ([]Scraper, error) {
	wanted := make(map[string]bool, len(only))
	for _, s := range only {
		wanted[strings.TrimSpace(s)] = true
	}

	names := make([]string, 0, len(sites))
	for name := range sites {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Scraper
	for _, name := range names {
		sc := sites[name]
		if name != reference {
			if !sc.Enabled || (len(wanted) > 0 && !wanted[name]) {
				continue
			}
		}
		f, ok := r.factories[sc.Kind]
		if !ok {
			return nil, &config.ConfigurationError{Field: "sites." + name + ".kind", Reason: fmt.Sprintf("unknown kind %q", sc.Kind)}
		}
		s, err := f(name, sc, env)
		if err != nil {
			return nil, fmt.Errorf("scraper: build %s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Collect runs every scraper concurrently and groups the results by site.
// A failing site is logged and left out; the others are unaffected.
func Collect(ctx context.Context, scrapers []Scraper, categories []string, workers int, logger *utils.Logger) map[string][]*models.RawListing {
	var mu sync.Mutex
	out := make(map[string][]*models.RawListing, len(scrapers))

	if workers < 1 {
		workers = 1
	}
	pool := utils.NewWorkerPool(workers, 0)
	for _, s := range scrapers {
		s := s
		pool.SubmitContext(ctx, func(ctx context.Context) {
			start := time.Now()
			listings, err := s.ScrapeProducts(ctx, categories)
			if err != nil {
				logger.Error("[%s] Scrape failed: %v", s.Site(), err)
				if len(listings) == 0 {
					return
				}
			}
			logger.Info("[%s] Collected %d listings in %s", s.Site(), len(listings), time.Since(start).Round(time.Millisecond))

			mu.Lock()
			out[s.Site()] = listings
			mu.Unlock()
		})
	}
	pool.Wait()
	return out
}

// categoryFilter reports whether a listing category was asked for. An empty
// request means every category.
func categoryFilter(categories []string) func(string) bool {
	if len(categories) == 0 {
		return func(string) bool { return true }
	}
	want := make(map[string]bool, len(categories))
	for _, c := range categories {
		want[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return func(c string) bool { return want[strings.ToLower(strings.TrimSpace(c))] }
}

// categoryPaths returns the configured category pages that pass the filter,
// in name order.
func categoryPaths(sc config.SiteConfig, categories []string) []string {
	keep := categoryFilter(categories)
	var out []string
	for c := range sc.CategoryPaths {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
