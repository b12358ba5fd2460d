package services

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

// Aggregator rolls comparisons up into a ComparisonReport.
type Aggregator struct {
	logger *utils.Logger
	now    func() time.Time
}

func NewAggregator(logger *utils.Logger) *Aggregator {
	return &Aggregator{logger: logger, now: time.Now}
}

type groupKey struct {
	category string
	site     string
}

type groupAcc struct {
	pcts                           []float64
	refCheaper, compCheaper, equal int
}

func (g *groupAcc) add(c *models.Comparison) {
	g.pcts = append(g.pcts, c.PercentageDifference)
	switch c.PriceDifference.Sign() {
	case 1:
		g.refCheaper++
	case -1:
		g.compCheaper++
	default:
		g.equal++
	}
}

func (g *groupAcc) stats(category, site string) models.GroupStats {
	gs := models.GroupStats{
		Category:          category,
		Site:              site,
		Count:             len(g.pcts),
		ReferenceCheaper:  g.refCheaper,
		CompetitorCheaper: g.compCheaper,
		Equal:             g.equal,
	}
	if len(g.pcts) > 0 {
		m, med := mean(g.pcts), median(g.pcts)
		gs.MeanPercentage = &m
		gs.MedianPercentage = &med
	}
	return gs
}

// Aggregate groups comparisons by category, by site and by (category, site).
// Groups are ordered by category then site. An empty input gives zero counts
// and nil statistics.
func (a *Aggregator) Aggregate(comparisons []*models.Comparison, exclusions ...*models.Exclusion) *models.ComparisonReport {
	report := &models.ComparisonReport{
		GeneratedAt:      a.now(),
		ExcludedPairs:    len(exclusions),
		ExcludedByReason: make(map[models.ExclusionReason]int),
	}
	for _, e := range exclusions {
		report.ExcludedByReason[e.Reason]++
	}

	overall := &groupAcc{}
	rows := make(map[groupKey]*groupAcc)
	byCat := make(map[string]*groupAcc)
	bySite := make(map[string]*groupAcc)

	for _, c := range comparisons {
		overall.add(c)
		accFor(rows, groupKey{c.Category, c.CompetitorSite}).add(c)
		accFor(byCat, c.Category).add(c)
		accFor(bySite, c.CompetitorSite).add(c)
	}

	report.Overall = overall.stats("", "")

	keys := make([]groupKey, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].site < keys[j].site
	})
	for _, k := range keys {
		report.Rows = append(report.Rows, rows[k].stats(k.category, k.site))
	}
	for _, cat := range sortedKeys(byCat) {
		report.ByCategory = append(report.ByCategory, byCat[cat].stats(cat, ""))
	}
	for _, site := range sortedKeys(bySite) {
		report.BySite = append(report.BySite, bySite[site].stats("", site))
	}

	a.logger.Info("[aggregator] %d comparisons in %d groups, %d excluded",
		len(comparisons), len(report.Rows), report.ExcludedPairs)
	return report
}

func accFor[K comparable](m map[K]*groupAcc, k K) *groupAcc {
	g, ok := m[k]
	if !ok {
		g = &groupAcc{}
		m[k] = g
	}
	return g
}

func sortedKeys(m map[string]*groupAcc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TopSavings returns the n comparisons where the reference is most expensive
// relative to its competitor, largest gap first.
func TopSavings(comparisons []*models.Comparison, n int) []*models.Comparison {
	var out []*models.Comparison
	for _, c := range comparisons {
		if c.PriceDifference.IsNegative() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PercentageDifference < out[j].PercentageDifference
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Print writes the console summary of a run.
func (a *Aggregator) Print(r *models.ComparisonReport, savings []*models.Comparison) {
	sep := strings.Repeat("═", 64)
	thin := strings.Repeat("─", 64)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  🛒 PRICE COMPARISON SUMMARY\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	fmt.Printf("\033[1;33m  Overview\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Comparisons          : \033[1m%d\033[0m\n", r.Overall.Count)
	fmt.Printf("  Reference cheaper    : \033[1;32m%d\033[0m\n", r.Overall.ReferenceCheaper)
	fmt.Printf("  Competitor cheaper   : \033[1;31m%d\033[0m\n", r.Overall.CompetitorCheaper)
	fmt.Printf("  Equal                : %d\n", r.Overall.Equal)
	fmt.Printf("  Mean difference      : %s\n", fmtPct(r.Overall.MeanPercentage))
	fmt.Printf("  Median difference    : %s\n", fmtPct(r.Overall.MedianPercentage))
	if r.ExcludedPairs > 0 {
		reasons := make([]string, 0, len(r.ExcludedByReason))
		for reason, n := range r.ExcludedByReason {
			reasons = append(reasons, fmt.Sprintf("%s=%d", reason, n))
		}
		sort.Strings(reasons)
		fmt.Printf("  Excluded pairs       : \033[1;33m%d\033[0m (%s)\n", r.ExcludedPairs, strings.Join(reasons, ", "))
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  By Category and Site\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.Rows) == 0 {
		fmt.Printf("  No comparisons\n")
	} else {
		fmt.Printf("  %-18s %-14s %5s %9s %9s\n", "category", "site", "n", "mean", "median")
		for _, row := range r.Rows {
			fmt.Printf("  %-18s %-14s %5d %9s %9s\n",
				truncate(row.Category, 18), truncate(row.Site, 14), row.Count,
				fmtPct(row.MeanPercentage), fmtPct(row.MedianPercentage))
		}
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  Top Savings Opportunities\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(savings) == 0 {
		fmt.Printf("  Reference is never more expensive\n")
	} else {
		for i, c := range savings {
			fmt.Printf("  \033[1m%d.\033[0m %-34s %-12s \033[1;31m%+.2f%%\033[0m\n",
				i+1, truncate(c.ReferenceName, 34), truncate(c.CompetitorSite, 12), c.PercentageDifference)
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}

func fmtPct(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", round2(*p))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
