// Package regime classifies the current market mood from the aggregate
// distribution of 24h returns across a representative sample of symbols
// (§4.3, C3). It smooths the raw classification score with an EMA and
// applies hysteresis before adopting a regime change, so downstream
// components (scorer, sizer) don't thrash on single-cycle noise.
package regime

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/osiristrader/agent/internal/domain"
	"github.com/osiristrader/agent/internal/exchange"
)

// smoothingAlpha is the EMA weight on the newest raw score. A value this
// low means the detector reacts slowly to single-cycle noise, matching
// the hysteresis requirement in §4.3.
const smoothingAlpha = 0.1

// Detector classifies the market regime from a sample of symbols' 24h
// returns.
type Detector struct {
	client     exchange.Client
	db         *sql.DB
	sampleSize int
	log        zerolog.Logger

	lastSmoothed   float64
	lastRegime     domain.Regime
	pendingRegime  domain.Regime
	pendingStreak  int
}

// New constructs a Detector. db is the cache-profile database holding
// regime_history (ephemeral, rebuildable from live data on restart).
func New(client exchange.Client, db *sql.DB, sampleSize int, log zerolog.Logger) *Detector {
	d := &Detector{
		client:     client,
		db:         db,
		sampleSize: sampleSize,
		log:        log.With().Str("component", "regime").Logger(),
		lastRegime: domain.RegimeUnknown,
	}
	d.hydrate()
	return d
}

func (d *Detector) hydrate() {
	row := d.db.QueryRow(`SELECT smoothed_score, regime FROM regime_history ORDER BY id DESC LIMIT 1`)
	var smoothed float64
	var regimeStr string
	if err := row.Scan(&smoothed, &regimeStr); err == nil {
		d.lastSmoothed = smoothed
		d.lastRegime = domain.Regime(regimeStr)
	}
}

// symbolsByVolume is the subset of the universe passed in by the caller
// (typically the top-N by 24h volume, per §4.3's "representative sample
// of symbols (top-N by volume)"). Detect does not itself rank symbols —
// that's the Agent Loop's job during DetectionPhase, since ranking needs
// the universe snapshot Detect has no dependency on.
func (d *Detector) Detect(ctx context.Context, symbols []string) (domain.RegimeReading, error) {
	now := time.Now().UTC()

	if len(symbols) == 0 {
		return domain.RegimeReading{Regime: domain.RegimeUnknown, ComputedAt: now}, nil
	}

	tickers, err := d.client.GetTicker(ctx, symbols)
	if err != nil {
		return domain.RegimeReading{Regime: domain.RegimeUnknown, ComputedAt: now}, fmt.Errorf("regime: fetch tickers: %w", err)
	}

	returns := make([]float64, 0, len(tickers))
	for _, t := range tickers {
		returns = append(returns, t.ChangePct24h/100)
	}
	if len(returns) < 3 {
		return domain.RegimeReading{Regime: domain.RegimeUnknown, ComputedAt: now}, nil
	}

	median := medianOf(returns)
	vol := stat.StdDev(returns, nil)
	consistency := consistencyOf(returns, median)
	dispersion := vol // dispersion and realized vol both derive from the same
	// cross-sectional return spread here; §4.3 treats them as the same
	// concept for this classifier (no separate time-series vol source).

	raw := classify(median, vol, dispersion, consistency)

	d.lastSmoothed = smoothingAlpha*rawScoreOf(raw) + (1-smoothingAlpha)*d.lastSmoothed

	candidate := raw
	final := d.applyHysteresis(candidate)

	d.persist(rawScoreOf(raw), d.lastSmoothed, final)

	return domain.RegimeReading{
		Regime:      final,
		Momentum:    median,
		Volatility:  vol,
		Consistency: consistency,
		ComputedAt:  now,
	}, nil
}

// classify implements the §4.3 decision table in priority order.
func classify(median, vol, dispersion, consistency float64) domain.Regime {
	const dispersionThreshold = 0.15

	switch {
	case median >= 0.05 && consistency >= 0.70:
		return domain.RegimeStrongBull
	case median <= -0.05 && consistency >= 0.70:
		return domain.RegimeStrongBear
	case vol > 0.08 || dispersion > dispersionThreshold:
		return domain.RegimeVolatile
	case median >= 0.01 && consistency >= 0.55:
		return domain.RegimeBull
	case median <= -0.01:
		return domain.RegimeBear
	case absF(median) < 0.01 && vol < 0.02:
		return domain.RegimeFlat
	default:
		return domain.RegimeNormal
	}
}

// applyHysteresis requires two consecutive cycles proposing the same new
// regime before adopting it, except immediate transitions into
// STRONG_BEAR or VOLATILE which take effect immediately (§4.3).
func (d *Detector) applyHysteresis(candidate domain.Regime) domain.Regime {
	if candidate == d.lastRegime {
		d.pendingRegime = ""
		d.pendingStreak = 0
		return d.lastRegime
	}

	if candidate == domain.RegimeStrongBear || candidate == domain.RegimeVolatile {
		d.lastRegime = candidate
		d.pendingRegime = ""
		d.pendingStreak = 0
		return d.lastRegime
	}

	if d.pendingRegime != candidate {
		d.pendingRegime = candidate
		d.pendingStreak = 1
		return d.lastRegime
	}

	d.pendingStreak++
	if d.pendingStreak >= 2 {
		d.lastRegime = candidate
		d.pendingRegime = ""
		d.pendingStreak = 0
	}
	return d.lastRegime
}

func (d *Detector) persist(raw, smoothed float64, regime domain.Regime) {
	_, err := d.db.Exec(
		`INSERT INTO regime_history (recorded_at, raw_score, smoothed_score, regime) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), raw, smoothed, string(regime),
	)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to persist regime history")
	}
}

// rawScoreOf maps a discrete regime to a scalar for EMA smoothing
// purposes, ordered from most bearish to most bullish.
func rawScoreOf(r domain.Regime) float64 {
	switch r {
	case domain.RegimeStrongBear:
		return -2
	case domain.RegimeBear:
		return -1
	case domain.RegimeFlat, domain.RegimeNormal:
		return 0
	case domain.RegimeBull:
		return 1
	case domain.RegimeStrongBull:
		return 2
	case domain.RegimeVolatile:
		return 0
	default:
		return 0
	}
}

func medianOf(data []float64) float64 {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// consistencyOf is the fraction of returns that share the median's sign,
// used as the §4.3 "consistency" scalar.
func consistencyOf(returns []float64, median float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sign := 1.0
	if median < 0 {
		sign = -1.0
	}
	var agree int
	for _, r := range returns {
		if (r >= 0) == (sign >= 0) {
			agree++
		}
	}
	return float64(agree) / float64(len(returns))
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
