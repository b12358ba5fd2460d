package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// card is one product tile as read off a listing page.
type card struct {
	Name       string `json:"name"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Unit       string `json:"unit"`
	Brand      string `json:"brand"`
	URL        string `json:"url"`
	Image      string `json:"image"`
	OutOfStock bool   `json:"out_of_stock"`
}

func (c card) listing(site, category string, base *url.URL, at time.Time) *models.RawListing {
	return &models.RawListing{
		Site:      site,
		Name:      c.Name,
		RawPrice:  c.Price,
		Size:      c.Size,
		Unit:      c.Unit,
		Category:  category,
		Brand:     c.Brand,
		URL:       resolveURL(base, c.URL),
		ImageURL:  resolveURL(base, c.Image),
		Available: !c.OutOfStock,
		ScrapedAt: at,
	}
}

// HTMLSite scrapes server-rendered category pages with CSS selectors.
type HTMLSite struct {
	site   string
	sc     config.SiteConfig
	base   *url.URL
	client *resty.Client
	retry  *utils.RetryConfig
	delay  time.Duration
	logger *utils.Logger
}

func NewHTMLSite(site string, sc config.SiteConfig, env Env) (Scraper, error) {
	base, err := parseBaseURL(site, sc)
	if err != nil {
		return nil, err
	}
	if sc.Selectors.Card == "" || sc.Selectors.Name == "" || sc.Selectors.Price == "" {
		return nil, &config.ConfigurationError{Field: "sites." + site + ".selectors", Reason: "card, name and price selectors are required"}
	}
	return &HTMLSite{
		site:   site,
		sc:     sc,
		base:   base,
		client: newHTTPClient(env.Cfg),
		retry:  env.retry(),
		delay:  env.rateLimit(sc),
		logger: env.Logger,
	}, nil
}

func (h *HTMLSite) Site() string { return h.site }

// ScrapeProducts walks every requested category, following the next-page
// link up to max_pages. A category that fails is logged and skipped.
func (h *HTMLSite) ScrapeProducts(ctx context.Context, categories []string) ([]*models.RawListing, error) {
	seen := utils.NewURLSet()
	var out []*models.RawListing
	var errs []error

	for _, category := range categoryPaths(h.sc, categories) {
		pageURL := resolveURL(h.base, h.sc.CategoryPaths[category])
		for page := 1; page <= maxPages(h.sc) && pageURL != ""; page++ {
			if page > 1 {
				if err := sleepCtx(ctx, h.delay); err != nil {
					return out, err
				}
			}
			h.logger.Info("[%s] Scraping %s page %d: %s", h.site, category, page, pageURL)

			doc, err := h.fetch(ctx, pageURL)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				h.logger.Error("[%s] %s page %d failed: %v", h.site, category, page, err)
				errs = append(errs, err)
				break
			}

			cards, next := h.parse(doc)
			if len(cards) == 0 {
				h.logger.Warn("[%s] %s page %d returned 0 products, stopping", h.site, category, page)
				break
			}
			at := time.Now()
			for _, c := range cards {
				l := c.listing(h.site, category, h.base, at)
				if l.URL != "" && !seen.Add(l.URL) {
					h.logger.Debug("[%s] Skipping duplicate: %s", h.site, l.URL)
					continue
				}
				out = append(out, l)
			}
			pageURL = resolveURL(h.base, next)
		}
	}
	return out, errors.Join(errs...)
}

func (h *HTMLSite) fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	var doc *goquery.Document
	err := h.retry.Do(ctx, "GET "+pageURL, func() error {
		resp, err := h.client.R().SetContext(ctx).Get(pageURL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("http status %d", resp.StatusCode())
		}
		doc, err = goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
		return err
	})
	return doc, err
}

func (h *HTMLSite) parse(doc *goquery.Document) ([]card, string) {
	sel := h.sc.Selectors
	var cards []card
	doc.Find(sel.Card).Each(func(_ int, s *goquery.Selection) {
		c := card{
			Name:  findText(s, sel.Name),
			Price: findText(s, sel.Price),
			Size:  findText(s, sel.Size),
			Unit:  findText(s, sel.Unit),
			Brand: findText(s, sel.Brand),
			URL:   findAttr(s, sel.Link, "href"),
			Image: findAttr(s, sel.Image, "src"),
		}
		if sel.OutOfStock != "" && s.Find(sel.OutOfStock).Length() > 0 {
			c.OutOfStock = true
		}
		if c.Name == "" && c.Price == "" {
			return
		}
		cards = append(cards, c)
	})

	var next string
	if sel.NextPage != "" {
		next, _ = doc.Find(sel.NextPage).First().Attr("href")
	}
	return cards, next
}

func findText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

func findAttr(s *goquery.Selection, selector, attr string) string {
	target := s
	if selector != "" {
		target = s.Find(selector).First()
	}
	v, _ := target.Attr(attr)
	return strings.TrimSpace(v)
}

func newHTTPClient(cfg *config.Config) *resty.Client {
	timeout := time.Duration(cfg.HTTPTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept-Language", "en-IN,en;q=0.9")
}

func parseBaseURL(site string, sc config.SiteConfig) (*url.URL, error) {
	if sc.BaseURL == "" {
		return nil, &config.ConfigurationError{Field: "sites." + site + ".base_url", Reason: "missing"}
	}
	base, err := url.Parse(sc.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &config.ConfigurationError{Field: "sites." + site + ".base_url", Reason: fmt.Sprintf("not an absolute URL: %q", sc.BaseURL)}
	}
	return base, nil
}

// resolveURL makes ref absolute against base. Unparseable refs are returned as is.
func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func maxPages(sc config.SiteConfig) int {
	if sc.MaxPages > 0 {
		return sc.MaxPages
	}
	return 1
}
