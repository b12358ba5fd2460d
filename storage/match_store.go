package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grocery-price-scraper/models"
)

const exclusionColumns = `reference_id, competitor_id, excluded_on, reference_name, competitor_name,
	competitor_site, category, reason`

const exclusionColumnCount = 8

const alternativeColumns = `reference_id, competitor_id, matched_on, competitor_site, competitor_name,
	rank_no, similarity_score, name_similarity, brand_bonus, competitor_value, unit`

const alternativeColumnCount = 11

// upsertRows inserts n rows in batches inside one transaction. args returns
// the column values of row i; conflict is the ON CONFLICT clause.
func (s *HistoryStore) upsertRows(ctx context.Context, table, columns string, columnCount, n int, args func(i int) []any, conflict string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin %s: %w", table, err)
	}
	defer tx.Rollback()

	row := "(" + strings.TrimSuffix(strings.Repeat("?,", columnCount), ",") + ")"
	for i := 0; i < n; i += batchSize {
		end := min(i+batchSize, n)
		valueStrings := make([]string, 0, end-i)
		valueArgs := make([]any, 0, (end-i)*columnCount)
		for j := i; j < end; j++ {
			valueStrings = append(valueStrings, row)
			valueArgs = append(valueArgs, args(j)...)
		}
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s %s`,
			table, columns, strings.Join(valueStrings, ","), conflict)
		if _, err := tx.ExecContext(ctx, s.d.rebind(query), valueArgs...); err != nil {
			return fmt.Errorf("storage: insert %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit %s: %w", table, err)
	}
	return nil
}

// SaveExclusions stores the pairs a day's run matched but could not compare.
// A pair excluded twice on the same day keeps the latest reason.
func (s *HistoryStore) SaveExclusions(ctx context.Context, date time.Time, exclusions []*models.Exclusion) error {
	if len(exclusions) == 0 {
		return nil
	}
	day := date.Format(dateLayout)
	err := s.upsertRows(ctx, "price_exclusions", exclusionColumns, exclusionColumnCount, len(exclusions),
		func(i int) []any {
			e := exclusions[i]
			return []any{
				e.ReferenceID, e.CompetitorID, day, e.ReferenceName, e.CompetitorName,
				e.CompetitorSite, e.Category, string(e.Reason),
			}
		},
		`ON CONFLICT (reference_id, competitor_id, excluded_on) DO UPDATE SET reason = excluded.reason`)
	if err != nil {
		return err
	}
	s.logger.Info("[storage] Saved %d exclusions (%s)", len(exclusions), day)
	return nil
}

// Exclusions returns the exclusions of one day. A zero date means the most
// recent day that has any.
func (s *HistoryStore) Exclusions(ctx context.Context, date time.Time) ([]*models.Exclusion, error) {
	where := `WHERE excluded_on = (SELECT MAX(excluded_on) FROM price_exclusions)`
	var args []any
	if !date.IsZero() {
		where = `WHERE excluded_on = ?`
		args = append(args, date.Format(dateLayout))
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+exclusionColumns+` FROM price_exclusions `+
		where+` ORDER BY category, competitor_site, reference_name, competitor_id`), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query exclusions: %w", err)
	}
	defer rows.Close()

	var out []*models.Exclusion
	for rows.Next() {
		e := &models.Exclusion{}
		var day, reason string
		if err := rows.Scan(
			&e.ReferenceID, &e.CompetitorID, &day, &e.ReferenceName, &e.CompetitorName,
			&e.CompetitorSite, &e.Category, &reason,
		); err != nil {
			return nil, fmt.Errorf("storage: scan exclusion: %w", err)
		}
		e.Reason = models.ExclusionReason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveAlternatives stores the ranked candidates of a day's run.
func (s *HistoryStore) SaveAlternatives(ctx context.Context, date time.Time, alternatives []*models.Alternative) error {
	if len(alternatives) == 0 {
		return nil
	}
	day := date.Format(dateLayout)
	err := s.upsertRows(ctx, "match_alternatives", alternativeColumns, alternativeColumnCount, len(alternatives),
		func(i int) []any {
			a := alternatives[i]
			return []any{
				a.ReferenceID, a.CompetitorID, day, a.CompetitorSite, a.CompetitorName,
				a.Rank, a.SimilarityScore, a.NameSimilarity, a.BrandBonus, a.CompetitorValue.String(), a.Unit,
			}
		},
		`ON CONFLICT (reference_id, competitor_id, matched_on) DO UPDATE SET
			rank_no          = excluded.rank_no,
			similarity_score = excluded.similarity_score,
			name_similarity  = excluded.name_similarity,
			brand_bonus      = excluded.brand_bonus,
			competitor_value = excluded.competitor_value`)
	if err != nil {
		return err
	}
	s.logger.Info("[storage] Saved %d match alternatives (%s)", len(alternatives), day)
	return nil
}

// Alternatives returns the ranked candidates stored for one reference
// listing, newest day first and best first within a day.
func (s *HistoryStore) Alternatives(ctx context.Context, referenceID string) ([]*models.Alternative, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT `+alternativeColumns+` FROM match_alternatives
		WHERE reference_id = ? ORDER BY matched_on DESC, rank_no, competitor_id`), referenceID)
	if err != nil {
		return nil, fmt.Errorf("storage: query alternatives: %w", err)
	}
	defer rows.Close()

	var out []*models.Alternative
	for rows.Next() {
		a, err := scanAlternative(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alternative: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlternative(r rowScanner) (*models.Alternative, error) {
	a := &models.Alternative{}
	var day string
	err := r.Scan(
		&a.ReferenceID, &a.CompetitorID, &day, &a.CompetitorSite, &a.CompetitorName,
		&a.Rank, &a.SimilarityScore, &a.NameSimilarity, &a.BrandBonus, &a.CompetitorValue, &a.Unit,
	)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse(dateLayout, day); err == nil {
		a.MatchedOn = t
	}
	return a, nil
}

var _ interface {
	SnapshotWriter
	HistoryReader
} = (*HistoryStore)(nil)
