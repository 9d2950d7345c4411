package market

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issue types reported by the bar validator
const (
	IssueNonPositivePrice = "non_positive_price"
	IssueOHLCInconsistent = "ohlc_inconsistent"
	IssueDuplicate        = "duplicate_timestamp"
	IssueOutOfOrder       = "out_of_order"
	IssueDataGap          = "data_gap"
	IssueExtremeMove      = "extreme_move"
	IssueGapMove          = "gap_move"
	IssueZeroVolume       = "zero_volume"
)

// Severity grades a data issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// QualityConfig configures bar validation. A zero threshold disables the
// corresponding check.
type QualityConfig struct {
	MaxIntradayMove float64 `mapstructure:"max_intraday_move" default:"0.3" validate:"gte=0"`
	MaxGapMove      float64 `mapstructure:"max_gap_move" default:"0.2" validate:"gte=0"`
	MinScore        int     `mapstructure:"min_score" default:"70" validate:"gte=0,lte=100"`
}

// DefaultQualityConfig returns thresholds suited to 24/7 crypto markets
func DefaultQualityConfig() *QualityConfig {
	return &QualityConfig{
		MaxIntradayMove: 0.30,
		MaxGapMove:      0.20,
		MinScore:        70,
	}
}

// DataIssue is one problem found in a bar series
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	BarIndex  int       `json:"barIndex"`
	Value     string    `json:"value,omitempty"`
}

// QualityReport summarizes a validation pass
type QualityReport struct {
	Symbol    string      `json:"symbol"`
	TotalBars int         `json:"totalBars"`
	Issues    []DataIssue `json:"issues"`
	Score     int         `json:"score"`
	IsUsable  bool        `json:"isUsable"`
}

// Count returns the number of issues of the given type.
func (r *QualityReport) Count(issueType string) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == issueType {
			n++
		}
	}
	return n
}

// BarValidator checks bar series integrity before indicators are computed
type BarValidator struct {
	logger *zap.Logger
	config *QualityConfig
}

// NewBarValidator creates a validator
func NewBarValidator(logger *zap.Logger, config *QualityConfig) *BarValidator {
	if config == nil {
		config = DefaultQualityConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BarValidator{
		logger: logger.Named("bar-validator"),
		config: config,
	}
}

// Validate runs every check on bars as given, without reordering them.
func (v *BarValidator) Validate(symbol string, bars []types.OHLCV) *QualityReport {
	report := &QualityReport{Symbol: symbol, TotalBars: len(bars)}
	if len(bars) == 0 {
		return report
	}

	report.Issues = append(report.Issues, v.checkPrices(bars)...)
	report.Issues = append(report.Issues, v.checkOrdering(bars)...)
	report.Issues = append(report.Issues, v.checkGaps(bars)...)

	report.Score = score(len(bars), report.Issues)
	report.IsUsable = report.Score >= v.config.MinScore && !hasCritical(report.Issues)
	return report
}

func (v *BarValidator) checkPrices(bars []types.OHLCV) []DataIssue {
	var issues []DataIssue

	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type:      IssueNonPositivePrice,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
			})
			continue
		}

		if bar.High.LessThan(decimal.Max(bar.Open, bar.Close, bar.Low)) ||
			bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close, bar.High)) {
			issues = append(issues, DataIssue{
				Type:      IssueOHLCInconsistent,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
				Value:     "O:" + bar.Open.String() + " H:" + bar.High.String() + " L:" + bar.Low.String() + " C:" + bar.Close.String(),
			})
		}

		if v.config.MaxIntradayMove > 0 {
			move := bar.High.Sub(bar.Low).Div(bar.Low)
			if move.InexactFloat64() > v.config.MaxIntradayMove {
				issues = append(issues, DataIssue{
					Type:      IssueExtremeMove,
					Severity:  SeverityHigh,
					Timestamp: bar.Timestamp,
					BarIndex:  i,
					Value:     move.StringFixed(4),
				})
			}
		}

		if v.config.MaxGapMove > 0 && i > 0 && bars[i-1].Close.IsPositive() {
			prev := bars[i-1].Close
			move := bar.Open.Sub(prev).Div(prev).Abs()
			if move.InexactFloat64() > v.config.MaxGapMove {
				issues = append(issues, DataIssue{
					Type:      IssueGapMove,
					Severity:  SeverityMedium,
					Timestamp: bar.Timestamp,
					BarIndex:  i,
					Value:     move.StringFixed(4),
				})
			}
		}

		if bar.Volume.IsZero() {
			issues = append(issues, DataIssue{
				Type:      IssueZeroVolume,
				Severity:  SeverityLow,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
			})
		}
	}

	return issues
}

func (v *BarValidator) checkOrdering(bars []types.OHLCV) []DataIssue {
	var issues []DataIssue
	seen := make(map[int64]struct{}, len(bars))

	for i, bar := range bars {
		ts := bar.Timestamp.UnixNano()
		if _, dup := seen[ts]; dup {
			issues = append(issues, DataIssue{
				Type:      IssueDuplicate,
				Severity:  SeverityHigh,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
			})
		}
		seen[ts] = struct{}{}

		if i > 0 && bar.Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, DataIssue{
				Type:      IssueOutOfOrder,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				BarIndex:  i,
			})
		}
	}

	return issues
}

// checkGaps flags intervals more than 4.5x the median of the first ten.
func (v *BarValidator) checkGaps(bars []types.OHLCV) []DataIssue {
	if len(bars) < 2 {
		return nil
	}

	intervals := make([]time.Duration, 0, 10)
	for i := 1; i < len(bars) && i <= 10; i++ {
		intervals = append(intervals, bars[i].Timestamp.Sub(bars[i-1].Timestamp))
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	expected := intervals[len(intervals)/2]
	if expected <= 0 {
		return nil
	}
	limit := (expected + expected/2) * 3

	var issues []DataIssue
	for i := 1; i < len(bars); i++ {
		gap := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if gap <= limit {
			continue
		}
		severity := SeverityHigh
		if gap > (expected+expected/2)*10 {
			severity = SeverityCritical
		}
		issues = append(issues, DataIssue{
			Type:      IssueDataGap,
			Severity:  severity,
			Timestamp: bars[i-1].Timestamp,
			BarIndex:  i - 1,
			Value:     gap.String(),
		})
	}
	return issues
}

// Clean returns a sorted copy of bars with duplicates and non-positive
// prices dropped and High/Low widened to cover Open and Close.
func (v *BarValidator) Clean(bars []types.OHLCV) []types.OHLCV {
	sorted := append([]types.OHLCV(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cleaned := make([]types.OHLCV, 0, len(sorted))
	seen := make(map[int64]struct{}, len(sorted))
	for _, bar := range sorted {
		ts := bar.Timestamp.UnixNano()
		if _, dup := seen[ts]; dup {
			continue
		}
		seen[ts] = struct{}{}

		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}
		if bar.High.LessThan(bar.Low) {
			continue
		}

		bar.High = decimal.Max(bar.High, bar.Open, bar.Close)
		bar.Low = decimal.Min(bar.Low, bar.Open, bar.Close)
		cleaned = append(cleaned, bar)
	}

	if removed := len(bars) - len(cleaned); removed > 0 {
		v.logger.Info("Data cleaning complete",
			zap.Int("original_bars", len(bars)),
			zap.Int("cleaned_bars", len(cleaned)),
			zap.Int("removed", removed))
	}
	return cleaned
}

// score weights issues by severity and normalizes by series length, so
// longer series tolerate more minor issues.
func score(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
