package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"grocery-price-scraper/api"
	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/scraper"
	"grocery-price-scraper/services"
	"grocery-price-scraper/storage"
	"grocery-price-scraper/utils"
)

type options struct {
	categories []string
	sites      []string
	noReport   bool
	noStore    bool
	stats      bool
	cleanup    int
	serve      bool
}

func parseFlags() options {
	var categories, sites string
	o := options{}
	flag.StringVar(&categories, "categories", "", "comma separated categories to scrape (default: all)")
	flag.StringVar(&sites, "sites", "", "comma separated competitor sites to scrape (default: all enabled)")
	flag.BoolVar(&o.noReport, "no-report", false, "skip the Excel report")
	flag.BoolVar(&o.noStore, "no-store", false, "do not write the run to the history database")
	flag.BoolVar(&o.stats, "stats", false, "print history database statistics and exit")
	flag.IntVar(&o.cleanup, "cleanup", 0, "delete history older than `DAYS` and exit")
	flag.BoolVar(&o.serve, "serve", false, "serve the query API instead of scraping")
	flag.Parse()

	o.categories = splitList(categories)
	o.sites = splitList(sites)
	return o
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	logger := utils.NewLogger()
	cfg := config.Load()
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case opts.stats:
		err = showStats(ctx, cfg, logger)
	case opts.cleanup > 0:
		err = cleanup(ctx, cfg, opts.cleanup, logger)
	case opts.serve:
		err = serve(ctx, cfg, logger)
	default:
		err = run(ctx, cfg, opts, logger)
	}
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*storage.HistoryStore, error) {
	store, err := storage.OpenHistoryStore(ctx, cfg.DBDriver, cfg.DSN(), logger)
	if err != nil {
		if cfg.DBDriver == "postgres" {
			logger.Error("Make sure PostgreSQL is running: docker compose up -d")
		}
		return nil, err
	}
	return store, nil
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *utils.Logger) error {
	logger.Info("=== Grocery Price Comparison starting ===")
	logger.Info("Config: concurrency %d | rate %dms | retries %d | db %s",
		cfg.MaxConcurrency, cfg.RateLimitMs, cfg.MaxRetries, cfg.DBDriver)

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		return err
	}
	sites, err := config.LoadSites(cfg.SitesPath)
	if err != nil {
		return err
	}
	reference, err := config.ReferenceSite(sites, cfg.ReferenceSite)
	if err != nil {
		return err
	}

	pipeline, err := services.NewPipeline(rules, cfg.MaxConcurrency, logger)
	if err != nil {
		return err
	}

	scrapers, err := scraper.NewRegistry().Build(sites, opts.sites, reference, scraper.Env{Cfg: cfg, Logger: logger})
	if err != nil {
		return err
	}
	names := make([]string, 0, len(scrapers))
	for _, s := range scrapers {
		names = append(names, s.Site())
	}
	logger.Info("Reference: %s | sites: %s", reference, strings.Join(names, ", "))

	listings := scraper.Collect(ctx, scrapers, opts.categories, cfg.MaxConcurrency, logger)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(listings[reference]) == 0 {
		return fmt.Errorf("no listings scraped for reference site %s", reference)
	}

	if err := dumpRaw(cfg.CSVOutputPath, listings); err != nil {
		logger.Error("CSV write failed: %v", err)
	} else {
		logger.Info("Raw listings saved to %s", cfg.CSVOutputPath)
	}

	res, err := pipeline.Run(ctx, services.Batch{ReferenceSite: reference, Listings: listings})
	if err != nil {
		return err
	}
	pipeline.Aggregator().Print(res.Report, services.TopSavings(res.Comparisons, 10))

	if !opts.noStore {
		if err := saveRun(ctx, cfg, res, logger); err != nil {
			logger.Error("History write failed: %v", err)
		}
	}

	if !opts.noReport {
		path, err := storage.NewExcelReporter(cfg.ReportDir, logger).Write(res, reference)
		if err != nil {
			logger.Error("Excel report failed: %v", err)
		} else {
			fmt.Printf("  Done. Raw CSV → %s | Report → %s\n\n", cfg.CSVOutputPath, path)
			return nil
		}
	}
	fmt.Printf("  Done. Raw CSV → %s\n\n", cfg.CSVOutputPath)
	return nil
}

func dumpRaw(path string, listings map[string][]*models.RawListing) error {
	w, err := storage.NewCSVWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()

	sites := make([]string, 0, len(listings))
	for site := range listings {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	for _, site := range sites {
		if err := w.WriteRaw(listings[site]); err != nil {
			return err
		}
	}
	return nil
}

func saveRun(ctx context.Context, cfg *config.Config, res *services.RunResult, logger *utils.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	all := make([]*models.NormalizedListing, 0, len(res.Reference)+len(res.Competitors))
	all = append(all, res.Reference...)
	all = append(all, res.Competitors...)
	if err := store.SaveSnapshot(ctx, res.RunID, res.RunDate, all); err != nil {
		return err
	}
	if err := store.SaveComparisons(ctx, res.RunDate, res.Comparisons); err != nil {
		return err
	}
	if err := store.SaveExclusions(ctx, res.RunDate, res.Exclusions); err != nil {
		return err
	}
	if err := store.SaveAlternatives(ctx, res.RunDate, res.AlternativeRecords()); err != nil {
		return err
	}
	if cfg.RetentionDays > 0 {
		if _, err := store.Cleanup(ctx, res.RunDate.AddDate(0, 0, -cfg.RetentionDays)); err != nil {
			logger.Warn("Retention cleanup failed: %v", err)
		}
	}
	return nil
}

func showStats(ctx context.Context, cfg *config.Config, logger *utils.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n  Listings    : %d\n", st.Listings)
	fmt.Printf("  Runs        : %d\n", st.Runs)
	fmt.Printf("  Comparisons : %d\n", st.Comparisons)
	if st.FirstSnapshot != "" {
		fmt.Printf("  Snapshots   : %s → %s\n", st.FirstSnapshot, st.LastSnapshot)
	}
	for _, s := range st.Sites {
		fmt.Printf("    %-16s %d\n", s.Site, s.Listings)
	}
	fmt.Println()
	return nil
}

func cleanup(ctx context.Context, cfg *config.Config, days int, logger *utils.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = store.Cleanup(ctx, time.Now().AddDate(0, 0, -days))
	return err
}

func serve(ctx context.Context, cfg *config.Config, logger *utils.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return api.Serve(ctx, ":"+cfg.APIPort, api.NewRouter(store, logger), logger)
}
