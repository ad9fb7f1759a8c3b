package copytrade_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/application/engine/copytrade"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

func TestSizer_Size(t *testing.T) {
	targets := []domain.Position{
		{MarketID: "a", Value: 100},
		{MarketID: "b", Value: 500},
		{MarketID: "c", Value: 5},
	}

	tests := []struct {
		name   string
		ours   map[string]float64
		market string
		action domain.Action
		size   float64
	}{
		{"new position follows target pct", nil, "a", domain.ActionBuy, 100},
		{"capped at max position", nil, "b", domain.ActionBuy, 150},
		{"below minimum is ignored", nil, "c", domain.ActionHold, 0},
		{"in line with target holds", map[string]float64{"a": 100}, "a", domain.ActionHold, 0},
		{"rebalance up", map[string]float64{"a": 50}, "a", domain.ActionBuy, 50},
		{"rebalance down", map[string]float64{"b": 200}, "b", domain.ActionSell, 50},
		{"below minimum sells all", map[string]float64{"c": 30}, "c", domain.ActionSell, 30},
		{"target exited market", map[string]float64{"z": 40}, "z", domain.ActionSell, 40},
	}

	s := copytrade.NewSizer(1000, copytrade.SizingConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Size(1000, targets, tt.ours)
			var sp *domain.SizedPosition
			for i := range got {
				if got[i].MarketID == tt.market {
					sp = &got[i]
				}
			}
			require.NotNil(t, sp)
			assert.Equal(t, tt.action, sp.Action)
			assert.InDelta(t, tt.size, sp.OurSizeUSD, 1e-9)
		})
	}
}

func TestSizer_ZeroTargetValue(t *testing.T) {
	s := copytrade.NewSizer(1000, copytrade.DefaultSizing())
	got := s.Size(0, []domain.Position{{MarketID: "a", Value: 10}}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ActionHold, got[0].Action)
	assert.Zero(t, got[0].TargetPct)
}
