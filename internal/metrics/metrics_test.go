package metrics

import (
	"testing"

	"marketdata-ingestor/internal/aggregator"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeFlagsMissingBookWhenAbsent(t *testing.T) {
	_, flags := Compute(Inputs{})
	if flags["mid_px"] != "missing_book" {
		t.Fatalf("expected mid_px flagged missing, got flags=%v", flags)
	}
}

func TestComputeSpreadAndMid(t *testing.T) {
	m, _ := Compute(Inputs{
		HaveBook: true,
		BestBid:  d("100"),
		BestAsk:  d("100.10"),
	})
	if !m["mid_px"].Equal(d("100.05")) {
		t.Fatalf("expected mid_px=100.05, got %s", m["mid_px"])
	}
	if !m["spread_px"].Equal(d("0.10")) {
		t.Fatalf("expected spread_px=0.10, got %s", m["spread_px"])
	}
}

func TestComputeVPINGuardedWhenNoVolume(t *testing.T) {
	_, flags := Compute(Inputs{TotalVolume: decimal.Zero})
	if flags["vpin"] != "missing_volume" {
		t.Fatalf("expected vpin flagged missing on zero volume, got %v", flags)
	}
}

func TestComputeVPINComputedWithVolume(t *testing.T) {
	m, _ := Compute(Inputs{
		TotalVolume:  d("100"),
		SignedVolume: d("40"),
	})
	if !m["vpin"].Equal(d("0.4")) {
		t.Fatalf("expected vpin=0.4, got %s", m["vpin"])
	}
}

func TestComputeMicroWindowMetrics(t *testing.T) {
	m, _ := Compute(Inputs{
		HaveMicro: true,
		Micro: aggregator.MicroWindowResult{
			OFISum: d("12"),
			L1Jumps: 3,
			Replenishments: 1,
		},
		WindowSeconds: 1.5,
	})
	if !m["ofi_sum"].Equal(d("12")) {
		t.Fatalf("expected ofi_sum=12, got %s", m["ofi_sum"])
	}
	if m["l1_jump_rate"].IsZero() {
		t.Fatalf("expected nonzero l1_jump_rate")
	}
}

func TestSpreadRegimeBuckets(t *testing.T) {
	if spreadRegime(-2).Cmp(decimal.Zero) != 0 {
		t.Fatalf("expected tight regime for z=-2")
	}
	if spreadRegime(0).Cmp(decimal.NewFromInt(1)) != 0 {
		t.Fatalf("expected normal regime for z=0")
	}
	if spreadRegime(2).Cmp(decimal.NewFromInt(2)) != 0 {
		t.Fatalf("expected wide regime for z=2")
	}
}

func TestEntropyHigherWhenFlatter(t *testing.T) {
	flat := entropy([]decimal.Decimal{d("10"), d("10"), d("10"), d("10")})
	skewed := entropy([]decimal.Decimal{d("40"), d("1"), d("1"), d("1")})
	if flat <= skewed {
		t.Fatalf("expected flat distribution to have higher entropy: flat=%f skewed=%f", flat, skewed)
	}
}
