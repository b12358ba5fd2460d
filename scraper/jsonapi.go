package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

// JSONAPI reads product listings from a site's catalogue endpoint. Field
// names are mapped through the site's "fields" block; nested keys use dots.
type JSONAPI struct {
	site   string
	sc     config.SiteConfig
	base   *url.URL
	client *resty.Client
	retry  *utils.RetryConfig
	delay  time.Duration
	logger *utils.Logger
}

func NewJSONAPI(site string, sc config.SiteConfig, env Env) (Scraper, error) {
	base, err := parseBaseURL(site, sc)
	if err != nil {
		return nil, err
	}
	if sc.Fields.Name == "" || sc.Fields.Price == "" {
		return nil, &config.ConfigurationError{Field: "sites." + site + ".fields", Reason: "name and price fields are required"}
	}
	return &JSONAPI{
		site:   site,
		sc:     sc,
		base:   base,
		client: newHTTPClient(env.Cfg).SetHeader("Accept", "application/json"),
		retry:  env.retry(),
		delay:  env.rateLimit(sc),
		logger: env.Logger,
	}, nil
}

func (j *JSONAPI) Site() string { return j.site }

func (j *JSONAPI) ScrapeProducts(ctx context.Context, categories []string) ([]*models.RawListing, error) {
	var out []*models.RawListing
	var errs []error

	for _, category := range categoryPaths(j.sc, categories) {
		endpoint := resolveURL(j.base, j.sc.CategoryPaths[category])
		for page := 1; page <= maxPages(j.sc); page++ {
			if page > 1 {
				if err := sleepCtx(ctx, j.delay); err != nil {
					return out, err
				}
			}
			items, err := j.fetch(ctx, endpoint, page)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				j.logger.Error("[%s] %s page %d failed: %v", j.site, category, page, err)
				errs = append(errs, err)
				break
			}
			if len(items) == 0 {
				break
			}
			at := time.Now()
			for _, item := range items {
				if l := j.toListing(item, category, at); l != nil {
					out = append(out, l)
				}
			}
			j.logger.Debug("[%s] %s page %d: %d items", j.site, category, page, len(items))
		}
	}
	return out, errors.Join(errs...)
}

func (j *JSONAPI) fetch(ctx context.Context, endpoint string, page int) ([]any, error) {
	var items []any
	err := j.retry.Do(ctx, "GET "+endpoint, func() error {
		req := j.client.R().SetContext(ctx)
		if maxPages(j.sc) > 1 {
			req.SetQueryParam("page", strconv.Itoa(page))
		}
		resp, err := req.Get(endpoint)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("http status %d", resp.StatusCode())
		}

		var body any
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		v := lookup(body, j.sc.Fields.Items)
		list, ok := v.([]any)
		if !ok && v != nil {
			return fmt.Errorf("items path %q is not a list", j.sc.Fields.Items)
		}
		items = list
		return nil
	})
	return items, err
}

func (j *JSONAPI) toListing(item any, category string, at time.Time) *models.RawListing {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil
	}
	f := j.sc.Fields
	get := func(path string) string { return scalar(lookup(obj, path)) }

	l := &models.RawListing{
		Site:      j.site,
		Name:      get(f.Name),
		RawPrice:  get(f.Price),
		Size:      get(f.Size),
		Unit:      get(f.Unit),
		Category:  category,
		Brand:     get(f.Brand),
		URL:       resolveURL(j.base, get(f.URL)),
		ImageURL:  resolveURL(j.base, get(f.Image)),
		Available: true,
		ScrapedAt: at,
	}
	if f.Category != "" {
		if c := get(f.Category); c != "" {
			l.Category = c
		}
	}
	if f.Available != "" {
		l.Available = parseAvailable(get(f.Available))
	}
	return l
}

// lookup follows a dotted path through decoded JSON. Numeric segments index
// into arrays. An empty path is v itself.
func lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, key := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
