package ledger

import (
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// RiskMetrics is a point-in-time risk report
type RiskMetrics struct {
	TotalExposure  decimal.Decimal `json:"totalExposure"`
	ExposurePct    float64         `json:"exposurePct"`
	DailyPnL       decimal.Decimal `json:"dailyPnl"`
	DailyPnLPct    float64         `json:"dailyPnlPct"`
	DrawdownPct    float64         `json:"drawdownPct"`
	WinRate        float64         `json:"winRate"`
	ProfitFactor   float64         `json:"profitFactor"`
	SharpeRatio    float64         `json:"sharpeRatio"`
	VaR95          decimal.Decimal `json:"var95"`
	RiskScore      float64         `json:"riskScore"`
	OpenPositions  int             `json:"openPositions"`
	ClosedTrades   int             `json:"closedTrades"`
	CurrentCapital decimal.Decimal `json:"currentCapital"`
}

// Metrics computes the risk report. Performance figures stay at their
// neutral defaults until MinMetricTrades trades are retained.
func (l *Ledger) Metrics() RiskMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	exposure := l.exposure()
	m := RiskMetrics{
		TotalExposure:  exposure,
		DailyPnL:       l.capital.Current.Sub(l.capital.DailyStart),
		DailyPnLPct:    l.capital.DailyPnLPct(),
		DrawdownPct:    l.capital.DrawdownPct(),
		WinRate:        0.5,
		VaR95:          decimal.Zero,
		OpenPositions:  len(l.positions),
		ClosedTrades:   l.closedTotal,
		CurrentCapital: l.capital.Current,
	}
	if l.capital.Current.IsPositive() {
		m.ExposurePct = exposure.Div(l.capital.Current).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	if len(l.history) >= l.config.MinMetricTrades {
		stats := l.stats()
		m.WinRate = stats.WinRate
		if stats.AvgLoss > 0 && stats.WinRate < 1 {
			m.ProfitFactor = (stats.AvgWin * stats.WinRate) / (stats.AvgLoss * (1 - stats.WinRate))
		}

		pnls := make([]decimal.Decimal, len(l.history))
		returns := make([]decimal.Decimal, len(l.history))
		for i, c := range l.history {
			pnls[i] = c.RealizedPnL
			returns[i] = c.RealizedPnL.Div(l.capital.Initial)
		}
		m.SharpeRatio = utils.CalculateSharpeRatio(returns, l.config.PeriodsPerYear)
		m.VaR95 = utils.Percentile(pnls, 5)
	}

	score := m.ExposurePct*0.3 + math.Abs(m.DailyPnLPct)*5*0.3 + m.DrawdownPct*2*0.4
	m.RiskScore = utils.ClampFloat(score, 0, 100)
	return m
}
