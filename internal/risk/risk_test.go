package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osiristrader/agent/internal/domain"
)

func testConfig() Config {
	return Config{
		MinCapitalPerTrade: 11,
		MaxCapitalPerTrade: 30,
		MinStopLossPct:     0.005,
		MaxStopLossPct:     0.05,
		MinProfitBuffer:    0.05,
		FeeRate:            0.001,
	}
}

func btcRules() domain.Symbol {
	return domain.Symbol{Key: "BTC-USDT", Base: "BTC", Quote: "USDT", Tick: 0.01, Lot: 0.0001, MinNotional: 5}
}

func TestSize_GodTierNormalRegimeHitsMaxNotional(t *testing.T) {
	s := New(testConfig())
	opp := domain.Opportunity{Symbol: "BTC-USDT", Tier: domain.TierGod}
	sizing := s.Size(opp, 50000, 500, domain.RegimeNormal, VolNormal, btcRules(), 1000)
	require.False(t, sizing.Rejected)
	assert.Equal(t, 30.0, sizing.Notional, "GOD_TIER at 4x should clamp to MaxCapitalPerTrade")
}

func TestSize_StrongBearRejectsNewEntries(t *testing.T) {
	s := New(testConfig())
	opp := domain.Opportunity{Symbol: "BTC-USDT", Tier: domain.TierStandard}
	sizing := s.Size(opp, 50000, 500, domain.RegimeStrongBear, VolNormal, btcRules(), 1000)
	assert.True(t, sizing.Rejected)
}

func TestSize_RejectsWhenBelowMinNotional(t *testing.T) {
	s := New(testConfig())
	opp := domain.Opportunity{Symbol: "BTC-USDT", Tier: domain.TierStandard}
	sizing := s.Size(opp, 50000, 500, domain.RegimeNormal, VolNormal, btcRules(), 2) // only $2 available
	assert.True(t, sizing.Rejected)
}

func TestSize_StopLossClampedToBounds(t *testing.T) {
	s := New(testConfig())
	opp := domain.Opportunity{Symbol: "BTC-USDT", Tier: domain.TierStandard}
	// Huge ATR should clamp SL pct to MaxStopLossPct (0.05).
	sizing := s.Size(opp, 50000, 50000, domain.RegimeNormal, VolHigh, btcRules(), 1000)
	if !sizing.Rejected {
		assert.LessOrEqual(t, sizing.StopLossPct, 0.05+1e-9)
	}
}

func TestTrailingStop_NoMoveBelowOnePercent(t *testing.T) {
	sl := TrailingStop(100, 95, 0.005)
	assert.Equal(t, 95.0, sl)
}

func TestTrailingStop_NeverRatchetsDownward(t *testing.T) {
	sl := TrailingStop(100, 101, 0.02) // candidate would be 100 + 100*0.02*0.5 = 101, equal, shouldn't decrease
	assert.GreaterOrEqual(t, sl, 101.0)
}

func TestTrailingStop_RaisesAtThreePercentGain(t *testing.T) {
	sl := TrailingStop(100, 100, 0.03)
	expected := 100 + 100*0.03*0.70
	assert.InDelta(t, expected, sl, 1e-9)
}
