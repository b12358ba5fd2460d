package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"grocery-price-scraper/models"
	"grocery-price-scraper/services"
	"grocery-price-scraper/utils"
)

const (
	sheetSummary    = "Summary"
	sheetDetailed   = "Detailed Comparison"
	sheetNoMatches  = "No Matches"
	sheetExcluded   = "Excluded"
	sheetStatistics = "Statistics"

	topSavingsRows = 5
)

// ExcelReporter writes a run's comparisons to an .xlsx workbook.
type ExcelReporter struct {
	dir    string
	logger *utils.Logger
}

func NewExcelReporter(dir string, logger *utils.Logger) *ExcelReporter {
	return &ExcelReporter{dir: dir, logger: logger}
}

// ReportPath is where the report for res is written: <date>_report.xlsx.
func (r *ExcelReporter) ReportPath(res *services.RunResult) string {
	return filepath.Join(r.dir, res.RunDate.Format(dateLayout)+"_report.xlsx")
}

// Write builds the workbook for res and saves it under the report directory.
// It returns the file path.
func (r *ExcelReporter) Write(res *services.RunResult, reference string) (string, error) {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("excel: create report dir: %w", err)
	}
	path := r.ReportPath(res)

	f := excelize.NewFile()
	defer f.Close()

	w, err := newSheetWriter(f)
	if err != nil {
		return "", err
	}
	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return "", fmt.Errorf("excel: rename sheet: %w", err)
	}
	for _, name := range []string{sheetDetailed, sheetNoMatches, sheetExcluded, sheetStatistics} {
		if _, err := f.NewSheet(name); err != nil {
			return "", fmt.Errorf("excel: add sheet %q: %w", name, err)
		}
	}

	w.summary(res, reference)
	w.detailed(res.Comparisons, res.Alternatives)
	w.noMatches(res.Unmatched)
	w.excluded(res.Exclusions)
	w.statistics(res.Report)
	if w.err != nil {
		return "", fmt.Errorf("excel: %w", w.err)
	}

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("excel: save %q: %w", path, err)
	}
	r.logger.Info("[report] Excel report saved to %s", path)
	return path, nil
}

// sheetWriter keeps the first error so the sheet builders can stay linear.
type sheetWriter struct {
	f      *excelize.File
	err    error
	title  int
	bold   int
	header int
	green  int
	red    int
}

func newSheetWriter(f *excelize.File) (*sheetWriter, error) {
	w := &sheetWriter{f: f}
	styles := []struct {
		dst   *int
		style *excelize.Style
	}{
		{&w.title, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 16}}},
		{&w.bold, &excelize.Style{Font: &excelize.Font{Bold: true}}},
		{&w.header, &excelize.Style{
			Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
			Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"366092"}},
		}},
		{&w.green, &excelize.Style{Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"C6EFCE"}}}},
		{&w.red, &excelize.Style{Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}}}},
	}
	for _, s := range styles {
		id, err := f.NewStyle(s.style)
		if err != nil {
			return nil, fmt.Errorf("excel: new style: %w", err)
		}
		*s.dst = id
	}
	return w, nil
}

func (w *sheetWriter) cell(sheet string, col, row int, v any) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.fail(err)
		return ""
	}
	w.fail(w.f.SetCellValue(sheet, name, v))
	return name
}

func (w *sheetWriter) styled(sheet string, col, row int, v any, style int) {
	if name := w.cell(sheet, col, row, v); name != "" {
		w.fail(w.f.SetCellStyle(sheet, name, name, style))
	}
}

func (w *sheetWriter) row(sheet string, row int, values ...any) {
	for i, v := range values {
		w.cell(sheet, i+1, row, v)
	}
}

func (w *sheetWriter) headerRow(sheet string, row int, headers ...string) {
	for i, h := range headers {
		w.styled(sheet, i+1, row, h, w.header)
	}
	last, _ := excelize.ColumnNumberToName(max(len(headers), 1))
	w.fail(w.f.SetColWidth(sheet, "A", last, 18))
}

// pct colours a percentage cell green when the competitor is cheaper and red
// when the reference is.
func (w *sheetWriter) pct(sheet string, col, row int, v float64) {
	switch {
	case v < 0:
		w.styled(sheet, col, row, v, w.green)
	case v > 0:
		w.styled(sheet, col, row, v, w.red)
	default:
		w.cell(sheet, col, row, v)
	}
}

func (w *sheetWriter) fail(err error) {
	if w.err == nil && err != nil {
		w.err = err
	}
}

func (w *sheetWriter) summary(res *services.RunResult, reference string) {
	s := sheetSummary
	w.styled(s, 1, 1, fmt.Sprintf("%s Price Comparison Report", reference), w.title)
	w.row(s, 2, "Generated", res.RunDate.Format("2006-01-02 15:04:05"))
	w.row(s, 3, "Run", res.RunID)

	o := res.Report.Overall
	metrics := []struct {
		label string
		value any
	}{
		{"Products Compared", o.Count},
		{"Reference Cheaper", o.ReferenceCheaper},
		{"Competitor Cheaper", o.CompetitorCheaper},
		{"Equal Price", o.Equal},
		{"Mean Difference (%)", optional(o.MeanPercentage)},
		{"Median Difference (%)", optional(o.MedianPercentage)},
		{"Excluded Pairs", res.Report.ExcludedPairs},
		{"Reference Products Without Match", len(res.Unmatched)},
	}
	w.styled(s, 1, 5, "Key Metrics", w.bold)
	for i, m := range metrics {
		w.styled(s, 1, 6+i, m.label, w.bold)
		w.cell(s, 2, 6+i, m.value)
	}

	top := services.TopSavings(res.Comparisons, topSavingsRows)
	start := 7 + len(metrics)
	w.styled(s, 1, start, fmt.Sprintf("Top %d Savings Opportunities", topSavingsRows), w.bold)
	w.headerRow(s, start+1, "Product", "Reference Value", "Competitor Value", "Difference (%)", "Site")
	for i, c := range top {
		r := start + 2 + i
		w.row(s, r, c.ReferenceName, c.ReferenceValue.InexactFloat64(), c.CompetitorValue.InexactFloat64())
		w.pct(s, 4, r, c.PercentageDifference)
		w.cell(s, 5, r, c.CompetitorSite)
	}
}

func (w *sheetWriter) detailed(comparisons []*models.Comparison, alternatives map[string][]*models.MatchCandidate) {
	s := sheetDetailed
	if len(comparisons) == 0 {
		w.cell(s, 1, 1, "No matches found")
		return
	}
	w.headerRow(s, 1,
		"Category", "Reference Product", "Competitor Product", "Site", "Basis", "Unit",
		"Reference Value", "Competitor Value", "Difference", "Difference (%)",
		"Cheaper", "Similarity", "Alternatives")
	for i, c := range comparisons {
		r := i + 2
		cheaper := c.CompetitorSite
		switch {
		case c.ReferenceIsCheaper:
			cheaper = c.ReferenceSite
		case c.PriceDifference.IsZero():
			cheaper = "equal"
		}
		w.row(s, r,
			c.Category, c.ReferenceName, c.CompetitorName, c.CompetitorSite, string(c.Basis), c.Unit,
			c.ReferenceValue.InexactFloat64(), c.CompetitorValue.InexactFloat64(), c.PriceDifference.InexactFloat64())
		w.pct(s, 10, r, c.PercentageDifference)
		w.cell(s, 11, r, cheaper)
		w.cell(s, 12, r, c.SimilarityScore)
		if alts := alternativesText(c, alternatives[c.ReferenceID]); alts != "" {
			w.cell(s, 13, r, alts)
		}
	}
}

// alternativesText lists the ranked candidates other than the accepted one,
// e.g. "Tomato Hybrid (zepto, 0.78); Cherry Tomato (bigbasket, 0.76)".
func alternativesText(c *models.Comparison, cands []*models.MatchCandidate) string {
	parts := make([]string, 0, len(cands))
	for _, m := range cands {
		if m.Competitor.ID == c.CompetitorID {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s, %.2f)", m.Competitor.Name, m.Competitor.Site, m.SimilarityScore))
	}
	return strings.Join(parts, "; ")
}

func (w *sheetWriter) noMatches(unmatched []*models.NormalizedListing) {
	s := sheetNoMatches
	if len(unmatched) == 0 {
		w.cell(s, 1, 1, "All products have matches")
		return
	}
	w.headerRow(s, 1, "Product", "Category", "Brand", "Price", "Flags")
	for i, l := range unmatched {
		w.row(s, i+2, l.Name, l.NormalizedCategory, l.NormalizedBrand, l.Price.InexactFloat64(), l.Flags.String())
	}
}

func (w *sheetWriter) excluded(exclusions []*models.Exclusion) {
	s := sheetExcluded
	if len(exclusions) == 0 {
		w.cell(s, 1, 1, "No excluded pairs")
		return
	}
	w.headerRow(s, 1, "Category", "Reference Product", "Competitor Product", "Site", "Reason")
	for i, e := range exclusions {
		w.row(s, i+2, e.Category, e.ReferenceName, e.CompetitorName, e.CompetitorSite, string(e.Reason))
	}
}

func (w *sheetWriter) statistics(rep *models.ComparisonReport) {
	s := sheetStatistics
	w.styled(s, 1, 1, "Statistics by Category and Site", w.title)

	headers := []string{"Category", "Site", "Count", "Mean (%)", "Median (%)", "Reference Cheaper", "Competitor Cheaper", "Equal"}
	r := 3
	section := func(title string, rows []models.GroupStats) {
		w.styled(s, 1, r, title, w.bold)
		w.headerRow(s, r+1, headers...)
		r += 2
		for _, g := range rows {
			w.row(s, r, g.Category, g.Site, g.Count, optional(g.MeanPercentage), optional(g.MedianPercentage),
				g.ReferenceCheaper, g.CompetitorCheaper, g.Equal)
			r++
		}
		r++
	}
	section("Overall", []models.GroupStats{rep.Overall})
	section("By Category and Site", rep.Rows)
	section("By Category", rep.ByCategory)
	section("By Site", rep.BySite)

	if rep.ExcludedPairs == 0 {
		return
	}
	w.styled(s, 1, r, "Excluded Pairs by Reason", w.bold)
	w.headerRow(s, r+1, "Reason", "Count")
	r += 2
	reasons := make([]string, 0, len(rep.ExcludedByReason))
	for reason := range rep.ExcludedByReason {
		reasons = append(reasons, string(reason))
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		w.row(s, r, reason, rep.ExcludedByReason[models.ExclusionReason(reason)])
		r++
	}
}

// optional renders an absent statistic as an empty cell.
func optional(p *float64) any {
	if p == nil {
		return ""
	}
	return *p
}
