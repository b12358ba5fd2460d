// Package api serves stored listings, comparisons and price history over
// HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"grocery-price-scraper/models"
	"grocery-price-scraper/services"
	"grocery-price-scraper/storage"
	"grocery-price-scraper/utils"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 365
	defaultListLimit   = 200
)

type Handler struct {
	store      storage.HistoryReader
	aggregator *services.Aggregator
	logger     *utils.Logger
}

// SetupRoutes registers the read-only endpoints on r.
func SetupRoutes(r *gin.RouterGroup, store storage.HistoryReader, logger *utils.Logger) *Handler {
	h := &Handler{
		store:      store,
		aggregator: services.NewAggregator(logger),
		logger:     logger,
	}

	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)

	products := r.Group("/products")
	{
		products.GET("", h.ListProducts)
		products.GET("/:id", h.GetProduct)
		products.GET("/:id/competitors", h.GetCompetitors)
		products.GET("/:id/history", h.GetHistory)
	}

	r.GET("/comparisons", h.ListComparisons)
	r.GET("/report", h.GetReport)
	return h
}

// NewRouter builds the engine with request logging and the /api/v1 group.
func NewRouter(store storage.HistoryReader, logger *utils.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	SetupRoutes(r.Group("/api/v1"), store, logger)
	return r
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *utils.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[api] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("[api] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		switch {
		case status >= 500:
			logger.Error("[api] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
		default:
			logger.Debug("[api] %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
		}
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "ok", "time": time.Now().UTC()}})
}

func (h *Handler) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": st})
}

// ListProducts returns the latest listings, filtered by ?site=, ?category=
// and ?search=.
func (h *Handler) ListProducts(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultListLimit)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	listings, err := h.store.LatestListings(c.Request.Context(), storage.ListingFilter{
		Site:     c.Query("site"),
		Category: c.Query("category"),
		Search:   c.Query("search"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if listings == nil {
		listings = []*models.NormalizedListing{}
	}
	c.JSON(http.StatusOK, gin.H{"data": listings, "count": len(listings)})
}

func (h *Handler) GetProduct(c *gin.Context) {
	l, err := h.store.Listing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": l})
}

// GetCompetitors returns how a reference listing compared against each
// competitor site, together with its ranked match alternatives.
func (h *Handler) GetCompetitors(c *gin.Context) {
	ctx := c.Request.Context()
	l, err := h.store.Listing(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	cmps, err := h.store.CompetitorPrices(ctx, l.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cmps == nil {
		cmps = []*models.Comparison{}
	}
	alts, err := h.store.Alternatives(ctx, l.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if alts == nil {
		alts = []*models.Alternative{}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"product": l, "competitors": cmps, "alternatives": alts}})
}

// GetHistory returns the product's daily prices for ?days= (default 30).
func (h *Handler) GetHistory(c *gin.Context) {
	days, err := intQuery(c, "days", defaultHistoryDays)
	if err != nil || days < 1 || days > maxHistoryDays {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and " + strconv.Itoa(maxHistoryDays)})
		return
	}
	ctx := c.Request.Context()
	l, err := h.store.Listing(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	points, err := h.store.PriceHistory(ctx, l.Site, l.NormalizedName, days)
	if err != nil {
		h.fail(c, err)
		return
	}
	if points == nil {
		points = []storage.PricePoint{}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"site":            l.Site,
		"normalized_name": l.NormalizedName,
		"days":            days,
		"history":         points,
	}})
}

func (h *Handler) ListComparisons(c *gin.Context) {
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	cmps, err := h.store.Comparisons(c.Request.Context(), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	if cmps == nil {
		cmps = []*models.Comparison{}
	}
	c.JSON(http.StatusOK, gin.H{"data": cmps, "count": len(cmps)})
}

// GetReport aggregates one day's stored comparisons and exclusions. Without
// ?date= the exclusions are read for the day of the latest comparisons.
func (h *Handler) GetReport(c *gin.Context) {
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	cmps, err := h.store.Comparisons(ctx, date)
	if err != nil {
		h.fail(c, err)
		return
	}
	if date.IsZero() && len(cmps) > 0 {
		date = cmps[0].ComparedOn
	}
	excls, err := h.store.Exclusions(ctx, date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"report":      h.aggregator.Aggregate(cmps, excls...),
		"top_savings": services.TopSavings(cmps, 10),
	}})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		return
	}
	h.logger.Error("[api] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// dateQuery reads ?date=YYYY-MM-DD. A missing date is the zero time, which
// the store reads as "latest". On a bad date the 400 is already written.
func dateQuery(c *gin.Context) (time.Time, bool) {
	v := c.Query("date")
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return t, true
}
