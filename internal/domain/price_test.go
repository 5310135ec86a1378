package domain

import (
	"math/big"
	"testing"
)

func TestPriceAtomRoundTrip(t *testing.T) {
	// micro → per-atom → micro 对 token_decimals ≤ 24 必须是恒等
	prices := []Price{1, 999, 3_000_000_000, 123_456_789_012}
	for dec := uint8(0); dec <= 24; dec++ {
		for _, p := range prices {
			atom := p.ToAtom(dec)
			back, err := PriceFromAtom(atom, dec)
			if err != nil {
				t.Fatalf("decimals=%d price=%d: %v", dec, p, err)
			}
			if back != p {
				t.Fatalf("decimals=%d: round trip %d -> %s -> %d", dec, p, atom, back)
			}
		}
	}
}

func TestPriceToAtomScale(t *testing.T) {
	// 18 位 token：3000 USD = 3e9 micro，放大 10^6 → 3e15
	p := PriceFromDecimal(3000)
	atom := p.ToAtom(18)
	want := new(big.Int).Mul(big.NewInt(3_000_000_000), big.NewInt(1_000_000))
	if atom.Cmp(want) != 0 {
		t.Fatalf("atom got=%s want=%s", atom, want)
	}
}

func TestPriceFromAtomRejectsRemainder(t *testing.T) {
	if _, err := PriceFromAtom(big.NewInt(1_000_001), 18); err == nil {
		t.Fatal("expected remainder error")
	}
}

func TestNotionalUSD(t *testing.T) {
	// 1.5 token @ 3000 USD = 4500 USD
	got := NotionalUSD(1.5, PriceFromDecimal(3000))
	if got != USDFromDecimal(4500) {
		t.Fatalf("notional got=%s", got)
	}
}
