package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

const (
	dateLayout = "2006-01-02"
	batchSize  = 50
)

// dialect hides the few differences between the two supported databases.
// Queries are written with ? placeholders and rebound for postgres.
type dialect struct {
	driver string
	money  string
	dollar bool
}

var dialects = map[string]dialect{
	"postgres": {driver: "postgres", money: "NUMERIC(14,4)", dollar: true},
	"sqlite":   {driver: "sqlite", money: "TEXT"},
}

func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HistoryStore keeps every run's normalised listings and comparisons so
// prices can be followed over time. It is safe for concurrent use.
type HistoryStore struct {
	db     *sql.DB
	d      dialect
	logger *utils.Logger
}

// OpenHistoryStore connects to driver ("postgres" or "sqlite") and migrates
// the schema. For sqlite the DSN is a file path whose directory is created.
func OpenHistoryStore(ctx context.Context, driver, dsn string, logger *utils.Logger) (*HistoryStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	if driver == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create db directory: %w", err)
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time; sqlite locks the whole file anyway
		db.SetMaxOpenConns(1)
	}

	attempts := 1
	if driver == "postgres" {
		attempts = 10
	}
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.Warn("[storage] %s ping %d/%d failed: %v", driver, i+1, attempts, err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping %s failed after retries: %w", driver, err)
	}

	s := &HistoryStore{db: db, d: d, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id                  TEXT PRIMARY KEY,
			run_id              TEXT NOT NULL,
			snapshot_date       TEXT NOT NULL,
			site                TEXT NOT NULL,
			name                TEXT NOT NULL DEFAULT '',
			raw_price           TEXT NOT NULL DEFAULT '',
			raw_size            TEXT NOT NULL DEFAULT '',
			raw_unit            TEXT NOT NULL DEFAULT '',
			raw_category        TEXT NOT NULL DEFAULT '',
			raw_brand           TEXT NOT NULL DEFAULT '',
			url                 TEXT NOT NULL DEFAULT '',
			image_url           TEXT NOT NULL DEFAULT '',
			available           BOOLEAN NOT NULL DEFAULT TRUE,
			scraped_at          TEXT NOT NULL DEFAULT '',
			normalized_name     TEXT NOT NULL DEFAULT '',
			normalized_category TEXT NOT NULL DEFAULT '',
			normalized_brand    TEXT NOT NULL DEFAULT '',
			normalized_size     DOUBLE PRECISION NOT NULL DEFAULT 0,
			normalized_unit     TEXT NOT NULL DEFAULT '',
			price               ` + s.d.money + ` NOT NULL,
			price_per_unit      ` + s.d.money + ` NOT NULL,
			confident           BOOLEAN NOT NULL DEFAULT FALSE,
			usable              BOOLEAN NOT NULL DEFAULT FALSE,
			flags               TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_site_date ON listings(site, snapshot_date)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_name      ON listings(normalized_name)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_run       ON listings(run_id)`,
		`CREATE TABLE IF NOT EXISTS price_comparisons (
			reference_id          TEXT NOT NULL,
			competitor_id         TEXT NOT NULL,
			compared_on           TEXT NOT NULL,
			reference_site        TEXT NOT NULL,
			competitor_site       TEXT NOT NULL,
			category              TEXT NOT NULL DEFAULT '',
			reference_name        TEXT NOT NULL DEFAULT '',
			competitor_name       TEXT NOT NULL DEFAULT '',
			basis                 TEXT NOT NULL,
			unit                  TEXT NOT NULL DEFAULT '',
			reference_value       ` + s.d.money + ` NOT NULL,
			competitor_value      ` + s.d.money + ` NOT NULL,
			price_difference      ` + s.d.money + ` NOT NULL,
			percentage_difference DOUBLE PRECISION NOT NULL,
			similarity_score      DOUBLE PRECISION NOT NULL,
			reference_is_cheaper  BOOLEAN NOT NULL,
			UNIQUE (reference_id, competitor_id, compared_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comparisons_date ON price_comparisons(compared_on)`,
		`CREATE INDEX IF NOT EXISTS idx_comparisons_ref  ON price_comparisons(reference_id)`,
		`CREATE TABLE IF NOT EXISTS price_exclusions (
			reference_id    TEXT NOT NULL,
			competitor_id   TEXT NOT NULL,
			excluded_on     TEXT NOT NULL,
			reference_name  TEXT NOT NULL DEFAULT '',
			competitor_name TEXT NOT NULL DEFAULT '',
			competitor_site TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL DEFAULT '',
			reason          TEXT NOT NULL,
			UNIQUE (reference_id, competitor_id, excluded_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exclusions_date ON price_exclusions(excluded_on)`,
		`CREATE TABLE IF NOT EXISTS match_alternatives (
			reference_id     TEXT NOT NULL,
			competitor_id    TEXT NOT NULL,
			matched_on       TEXT NOT NULL,
			competitor_site  TEXT NOT NULL DEFAULT '',
			competitor_name  TEXT NOT NULL DEFAULT '',
			rank_no          INTEGER NOT NULL,
			similarity_score DOUBLE PRECISION NOT NULL,
			name_similarity  DOUBLE PRECISION NOT NULL,
			brand_bonus      DOUBLE PRECISION NOT NULL,
			competitor_value ` + s.d.money + ` NOT NULL,
			unit             TEXT NOT NULL DEFAULT '',
			UNIQUE (reference_id, competitor_id, matched_on)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alternatives_ref ON match_alternatives(reference_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const listingColumns = `id, run_id, snapshot_date, site, name, raw_price, raw_size, raw_unit,
	raw_category, raw_brand, url, image_url, available, scraped_at, normalized_name,
	normalized_category, normalized_brand, normalized_size, normalized_unit, price,
	price_per_unit, confident, usable, flags`

const listingColumnCount = 24

// SaveSnapshot appends one run's listings. Listings already stored under
// the same id are left untouched.
func (s *HistoryStore) SaveSnapshot(ctx context.Context, runID string, date time.Time, listings []*models.NormalizedListing) error {
	if len(listings) == 0 {
		return nil
	}
	day := date.Format(dateLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin snapshot: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(listings); i += batchSize {
		end := min(i+batchSize, len(listings))
		if err := s.insertListings(ctx, tx, runID, day, listings[i:end]); err != nil {
			return fmt.Errorf("storage: insert listings: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit snapshot: %w", err)
	}
	s.logger.Info("[storage] Saved %d listings for run %s (%s)", len(listings), runID, day)
	return nil
}

func (s *HistoryStore) insertListings(ctx context.Context, tx *sql.Tx, runID, day string, batch []*models.NormalizedListing) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]any, 0, len(batch)*listingColumnCount)
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", listingColumnCount), ",") + ")"

	for _, l := range batch {
		valueStrings = append(valueStrings, row)
		valueArgs = append(valueArgs,
			l.ID, runID, day, l.Site, l.Name, l.RawPrice, l.Size, l.Unit,
			l.Category, l.Brand, l.URL, l.ImageURL, l.Available, l.ScrapedAt.UTC().Format(time.RFC3339),
			l.NormalizedName, l.NormalizedCategory, l.NormalizedBrand, l.NormalizedSize, l.NormalizedUnit,
			l.Price.String(), l.PricePerUnit.String(), l.Confident, l.Usable, l.Flags.String(),
		)
	}

	query := fmt.Sprintf(`INSERT INTO listings (%s) VALUES %s ON CONFLICT (id) DO NOTHING`,
		listingColumns, strings.Join(valueStrings, ","))
	_, err := tx.ExecContext(ctx, s.d.rebind(query), valueArgs...)
	return err
}

const comparisonColumns = `reference_id, competitor_id, compared_on, reference_site, competitor_site,
	category, reference_name, competitor_name, basis, unit, reference_value, competitor_value,
	price_difference, percentage_difference, similarity_score, reference_is_cheaper`

const comparisonColumnCount = 16

// SaveComparisons stores one day's comparisons. A pair compared twice on
// the same day keeps the latest values.
func (s *HistoryStore) SaveComparisons(ctx context.Context, date time.Time, comparisons []*models.Comparison) error {
	if len(comparisons) == 0 {
		return nil
	}
	day := date.Format(dateLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin comparisons: %w", err)
	}
	defer tx.Rollback()

	row := "(" + strings.TrimSuffix(strings.Repeat("?,", comparisonColumnCount), ",") + ")"
	for i := 0; i < len(comparisons); i += batchSize {
		batch := comparisons[i:min(i+batchSize, len(comparisons))]
		valueStrings := make([]string, 0, len(batch))
		valueArgs := make([]any, 0, len(batch)*comparisonColumnCount)
		for _, c := range batch {
			valueStrings = append(valueStrings, row)
			valueArgs = append(valueArgs,
				c.ReferenceID, c.CompetitorID, day, c.ReferenceSite, c.CompetitorSite,
				c.Category, c.ReferenceName, c.CompetitorName, string(c.Basis), c.Unit,
				c.ReferenceValue.String(), c.CompetitorValue.String(), c.PriceDifference.String(),
				c.PercentageDifference, c.SimilarityScore, c.ReferenceIsCheaper,
			)
		}
		query := fmt.Sprintf(`INSERT INTO price_comparisons (%s) VALUES %s
			ON CONFLICT (reference_id, competitor_id, compared_on) DO UPDATE SET
				reference_value       = excluded.reference_value,
				competitor_value      = excluded.competitor_value,
				price_difference      = excluded.price_difference,
				percentage_difference = excluded.percentage_difference,
				similarity_score      = excluded.similarity_score,
				reference_is_cheaper  = excluded.reference_is_cheaper`,
			comparisonColumns, strings.Join(valueStrings, ","))
		if _, err := tx.ExecContext(ctx, s.d.rebind(query), valueArgs...); err != nil {
			return fmt.Errorf("storage: insert comparisons: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit comparisons: %w", err)
	}
	s.logger.Info("[storage] Saved %d comparisons (%s)", len(comparisons), day)
	return nil
}

// LatestListings returns the listings of each site's most recent run.
func (s *HistoryStore) LatestListings(ctx context.Context, f ListingFilter) ([]*models.NormalizedListing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings l
		WHERE l.run_id = (
			SELECT m.run_id FROM listings m WHERE m.site = l.site
			ORDER BY m.snapshot_date DESC, m.scraped_at DESC LIMIT 1
		)`
	var args []any
	if f.Site != "" {
		query += ` AND l.site = ?`
		args = append(args, f.Site)
	}
	if f.Category != "" {
		query += ` AND l.normalized_category = ?`
		args = append(args, strings.ToLower(f.Category))
	}
	if f.Search != "" {
		query += ` AND l.normalized_name LIKE ?`
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
	}
	query += ` ORDER BY l.site, l.normalized_category, l.normalized_name, l.id`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: latest listings: %w", err)
	}
	defer rows.Close()

	var out []*models.NormalizedListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Listing returns one stored listing, or ErrNotFound.
func (s *HistoryStore) Listing(ctx context.Context, id string) (*models.NormalizedListing, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+listingColumns+` FROM listings WHERE id = ?`), id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: listing %q: %w", id, err)
	}
	return l, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(r rowScanner) (*models.NormalizedListing, error) {
	l := &models.NormalizedListing{}
	var day, scrapedAt, flags string
	err := r.Scan(
		&l.ID, &l.RunID, &day, &l.Site, &l.Name, &l.RawPrice, &l.Size, &l.Unit,
		&l.Category, &l.Brand, &l.URL, &l.ImageURL, &l.Available, &scrapedAt,
		&l.NormalizedName, &l.NormalizedCategory, &l.NormalizedBrand, &l.NormalizedSize, &l.NormalizedUnit,
		&l.Price, &l.PricePerUnit, &l.Confident, &l.Usable, &flags,
	)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, scrapedAt); err == nil {
		l.ScrapedAt = t
	}
	l.Flags = models.ParseFlags(flags)
	return l, nil
}

// CompetitorPrices returns the comparisons stored for one reference listing,
// ordered by competitor site.
func (s *HistoryStore) CompetitorPrices(ctx context.Context, referenceID string) ([]*models.Comparison, error) {
	return s.queryComparisons(ctx,
		`WHERE reference_id = ? ORDER BY compared_on DESC, competitor_site, competitor_id`, referenceID)
}

// Comparisons returns the comparisons of one day. A zero date means the most
// recent day that has any.
func (s *HistoryStore) Comparisons(ctx context.Context, date time.Time) ([]*models.Comparison, error) {
	if date.IsZero() {
		return s.queryComparisons(ctx,
			`WHERE compared_on = (SELECT MAX(compared_on) FROM price_comparisons)
			ORDER BY category, competitor_site, reference_name, competitor_id`)
	}
	return s.queryComparisons(ctx,
		`WHERE compared_on = ? ORDER BY category, competitor_site, reference_name, competitor_id`,
		date.Format(dateLayout))
}

func (s *HistoryStore) queryComparisons(ctx context.Context, where string, args ...any) ([]*models.Comparison, error) {
	rows, err := s.db.QueryContext(ctx,
		s.d.rebind(`SELECT `+comparisonColumns+` FROM price_comparisons `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query comparisons: %w", err)
	}
	defer rows.Close()

	var out []*models.Comparison
	for rows.Next() {
		c := &models.Comparison{}
		var day, basis string
		if err := rows.Scan(
			&c.ReferenceID, &c.CompetitorID, &day, &c.ReferenceSite, &c.CompetitorSite,
			&c.Category, &c.ReferenceName, &c.CompetitorName, &basis, &c.Unit,
			&c.ReferenceValue, &c.CompetitorValue, &c.PriceDifference,
			&c.PercentageDifference, &c.SimilarityScore, &c.ReferenceIsCheaper,
		); err != nil {
			return nil, fmt.Errorf("storage: scan comparison: %w", err)
		}
		c.Basis = models.Basis(basis)
		if t, err := time.Parse(dateLayout, day); err == nil {
			c.ComparedOn = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PriceHistory returns one point per day for a product on a site, oldest
// first. When a day holds several runs the last one wins. days <= 0 means
// the whole history.
func (s *HistoryStore) PriceHistory(ctx context.Context, site, normalizedName string, days int) ([]PricePoint, error) {
	query := `SELECT snapshot_date, price, price_per_unit, normalized_unit, available, id
		FROM listings WHERE site = ? AND normalized_name = ?`
	args := []any{site, normalizedName}
	if days > 0 {
		query += ` AND snapshot_date >= ?`
		args = append(args, time.Now().AddDate(0, 0, -days).Format(dateLayout))
	}
	query += ` ORDER BY snapshot_date, scraped_at, id`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: price history: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.Date, &p.Price, &p.PricePerUnit, &p.Unit, &p.Available, &p.ListingID); err != nil {
			return nil, fmt.Errorf("storage: scan price point: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].Date == p.Date {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Stats summarises the store's contents.
func (s *HistoryStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{}
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT run_id), MIN(snapshot_date), MAX(snapshot_date) FROM listings`,
	).Scan(&st.Listings, &st.Runs, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("storage: stats: %w", err)
	}
	st.FirstSnapshot, st.LastSnapshot = first.String, last.String

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_comparisons`).Scan(&st.Comparisons); err != nil {
		return nil, fmt.Errorf("storage: stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT site, COUNT(*) FROM listings GROUP BY site ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("storage: stats by site: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc SiteCount
		if err := rows.Scan(&sc.Site, &sc.Listings); err != nil {
			return nil, fmt.Errorf("storage: scan site count: %w", err)
		}
		st.Sites = append(st.Sites, sc)
	}
	return st, rows.Err()
}

// Cleanup deletes listings, comparisons, exclusions and alternatives dated
// before cutoff and returns how many rows went.
func (s *HistoryStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	day := cutoff.Format(dateLayout)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin cleanup: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		`DELETE FROM price_comparisons WHERE compared_on < ?`,
		`DELETE FROM price_exclusions WHERE excluded_on < ?`,
		`DELETE FROM match_alternatives WHERE matched_on < ?`,
		`DELETE FROM listings WHERE snapshot_date < ?`,
	} {
		res, err := tx.ExecContext(ctx, s.d.rebind(q), day)
		if err != nil {
			return 0, fmt.Errorf("storage: cleanup: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit cleanup: %w", err)
	}
	s.logger.Info("[storage] Cleanup removed %d rows older than %s", total, day)
	return total, nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}
