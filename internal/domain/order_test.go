package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderValidate(t *testing.T) {
	base := Order{
		ClientOrderID: "c1",
		Account:       7,
		Symbol:        "ETH-USD",
		Side:          SideLong,
		Kind:          KindMarket,
		Action:        ActionOpen,
		SizeTokens:    1,
		Leverage:      2,
	}
	assert.NoError(t, base.Validate())

	zero := base
	zero.SizeTokens = 0
	assert.Error(t, zero.Validate())

	limit := base
	limit.Kind = KindLimit
	assert.Error(t, limit.Validate(), "limit without trigger_price")
	limit.TriggerPrice = PriceFromDecimal(2990)
	assert.NoError(t, limit.Validate())

	noLev := base
	noLev.Leverage = 0
	assert.Error(t, noLev.Validate())
}

func TestOracleSampleValidate(t *testing.T) {
	s := OracleSample{Symbol: "ETH-USD", PriceMin: 100, PriceMid: 150, PriceMax: 200}
	assert.NoError(t, s.Validate())

	// min == max 的扁平样本同样合法
	flat := OracleSample{Symbol: "ETH-USD", PriceMin: 100, PriceMid: 100, PriceMax: 100}
	assert.NoError(t, flat.Validate())

	bad := OracleSample{Symbol: "ETH-USD", PriceMin: 200, PriceMid: 150, PriceMax: 100}
	assert.Error(t, bad.Validate())
}

func TestPendingOrderExpiry(t *testing.T) {
	p := PendingOrder{ExpiresNS: 0}
	assert.False(t, p.ExpiredAt(1<<60))
	p.ExpiresNS = 100
	assert.True(t, p.ExpiredAt(100))
	assert.False(t, p.ExpiredAt(99))
}
