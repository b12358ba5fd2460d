package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

// extractJS reads product cards with the site's selectors. %s is the
// JSON-encoded config.Selectors.
const extractJS = `
(function(sel) {
	var text = function(root, s) {
		if (!s) return '';
		var el = root.querySelector(s);
		return el ? el.innerText.trim() : '';
	};
	var attr = function(root, s, a) {
		var el = s ? root.querySelector(s) : root;
		if (!el) return '';
		return el[a] || el.getAttribute(a) || '';
	};

	var cards = [];
	var nodes = document.querySelectorAll(sel.Card);
	for (var i = 0; i < nodes.length; i++) {
		var c = nodes[i];
		cards.push({
			name:         text(c, sel.Name),
			price:        text(c, sel.Price),
			size:         text(c, sel.Size),
			unit:         text(c, sel.Unit),
			brand:        text(c, sel.Brand),
			url:          attr(c, sel.Link, 'href'),
			image:        attr(c, sel.Image, 'src'),
			out_of_stock: sel.OutOfStock ? !!c.querySelector(sel.OutOfStock) : false
		});
	}

	var next = sel.NextPage ? document.querySelector(sel.NextPage) : null;
	return {cards: cards, next: next && next.href ? next.href : ''};
})(%s)
`

type browserPage struct {
	Cards []card `json:"cards"`
	Next  string `json:"next"`
}

// Browser scrapes sites that render their catalogue client-side, driving a
// headless Chrome through chromedp.
type Browser struct {
	site      string
	sc        config.SiteConfig
	base      *url.URL
	chromeBin string
	retry     *utils.RetryConfig
	delay     time.Duration
	logger    *utils.Logger
	script    string
}

func NewBrowser(site string, sc config.SiteConfig, env Env) (Scraper, error) {
	base, err := parseBaseURL(site, sc)
	if err != nil {
		return nil, err
	}
	if sc.Selectors.Card == "" {
		return nil, &config.ConfigurationError{Field: "sites." + site + ".selectors.card", Reason: "missing"}
	}
	sel, err := json.Marshal(sc.Selectors)
	if err != nil {
		return nil, err
	}
	return &Browser{
		site:      site,
		sc:        sc,
		base:      base,
		chromeBin: findChromeBinary(env.Cfg.ChromeBin),
		retry:     env.retry(),
		delay:     env.rateLimit(sc),
		logger:    env.Logger,
		script:    fmt.Sprintf(extractJS, sel),
	}, nil
}

func (b *Browser) Site() string { return b.site }

func (b *Browser) ScrapeProducts(ctx context.Context, categories []string) ([]*models.RawListing, error) {
	b.logger.Info("[%s] Using browser binary: %q", b.site, b.chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	if b.chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(b.chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	// chromedp logs every protocol hiccup otherwise
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...any) {}))
	defer cancelBrowser()

	seen := utils.NewURLSet()
	var out []*models.RawListing
	var errs []error

	for _, category := range categoryPaths(b.sc, categories) {
		pageURL := resolveURL(b.base, b.sc.CategoryPaths[category])
		for page := 1; page <= maxPages(b.sc) && pageURL != ""; page++ {
			if page > 1 {
				if err := sleepCtx(ctx, b.delay); err != nil {
					return out, err
				}
			}
			b.logger.Info("[%s] Scraping %s page %d: %s", b.site, category, page, pageURL)

			result, err := b.scrapePage(ctx, browserCtx, pageURL)
			if err != nil {
				if ctx.Err() != nil {
					return out, ctx.Err()
				}
				b.logger.Error("[%s] %s page %d failed: %v", b.site, category, page, err)
				errs = append(errs, err)
				break
			}
			if len(result.Cards) == 0 {
				b.logger.Warn("[%s] %s page %d returned 0 products, stopping", b.site, category, page)
				break
			}

			at := time.Now()
			for _, c := range result.Cards {
				l := c.listing(b.site, category, b.base, at)
				if l.URL != "" && !seen.Add(l.URL) {
					continue
				}
				out = append(out, l)
			}
			pageURL = resolveURL(b.base, result.Next)
		}
	}

	b.logger.Info("[%s] Browser scrape complete: %d raw listings", b.site, len(out))
	return out, errors.Join(errs...)
}

// scrapePage loads one listing page in a fresh tab, scrolls to trigger lazy
// loading and evaluates the extraction script.
func (b *Browser) scrapePage(ctx, browserCtx context.Context, pageURL string) (browserPage, error) {
	var result browserPage

	err := b.retry.Do(ctx, "browse "+pageURL, func() error {
		tabCtx, cancel := chromedp.NewContext(browserCtx)
		defer cancel()

		tabCtx, cancelTimeout := context.WithTimeout(tabCtx, 90*time.Second)
		defer cancelTimeout()

		err := chromedp.Run(tabCtx,
			chromedp.Navigate(pageURL),
			chromedp.Sleep(4*time.Second),
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight / 2)`, nil),
			chromedp.Sleep(1*time.Second),
			chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
			chromedp.Sleep(1*time.Second),
			chromedp.Evaluate(b.script, &result),
		)
		if err != nil {
			return fmt.Errorf("chromedp page scrape: %w", err)
		}
		return nil
	})
	return result, err
}

// findChromeBinary locates Chrome/Chromium. An explicit path wins.
func findChromeBinary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
