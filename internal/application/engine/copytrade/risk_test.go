package copytrade_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/polycopy/internal/application/engine/copytrade"
)

func TestRiskManager_Check(t *testing.T) {
	r := copytrade.NewRiskManager(1000, copytrade.DefaultRisk())

	assert.Empty(t, r.Check(-50, -20))
	assert.Contains(t, r.Check(0, -100), "daily loss limit")
	assert.Contains(t, r.Check(-250, -100), "total loss limit", "total gana sobre diario")
	assert.Empty(t, r.Check(500, 0))
}

func TestRiskManager_Cooldown(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := copytrade.NewRiskManager(1000, copytrade.RiskConfig{Cooldown: time.Minute})
	r.SetClock(func() time.Time { return now })

	r.RecordLoss()
	assert.Equal(t, "cooldown: 60s remaining", r.Check(0, 0))

	now = now.Add(45 * time.Second)
	assert.Equal(t, "cooldown: 15s remaining", r.Check(0, 0))

	now = now.Add(15 * time.Second)
	assert.Empty(t, r.Check(0, 0))
}

func TestRiskManager_NoBudget(t *testing.T) {
	r := copytrade.NewRiskManager(0, copytrade.DefaultRisk())
	assert.Empty(t, r.Check(-1e6, -1e6))
}
