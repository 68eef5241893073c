package aggregator

import "testing"

func TestMicroWindowRollsOverOnGridBoundary(t *testing.T) {
	w := NewMicroWindow(1_500_000_000) // 1.5s grid

	_, rolled := w.Observe(L1Tick{TsNs: 0, BidPx: dec("100"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})
	if rolled {
		t.Fatalf("first tick should not roll a window over")
	}

	_, rolled = w.Observe(L1Tick{TsNs: 500_000_000, BidPx: dec("100"), BidQty: dec("2"), AskPx: dec("101"), AskQty: dec("1")})
	if rolled {
		t.Fatalf("tick within same window should not roll over")
	}

	result, rolled := w.Observe(L1Tick{TsNs: 2_000_000_000, BidPx: dec("100"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})
	if !rolled {
		t.Fatalf("tick in next grid window should roll the window over")
	}
	if result.Ticks != 2 {
		t.Fatalf("expected 2 ticks in completed window, got %d", result.Ticks)
	}
}

func TestMicroWindowL1JumpCounting(t *testing.T) {
	w := NewMicroWindow(1_500_000_000)
	w.Observe(L1Tick{TsNs: 0, BidPx: dec("100"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})
	w.Observe(L1Tick{TsNs: 100_000_000, BidPx: dec("100.5"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})
	result, rolled := w.Observe(L1Tick{TsNs: 2_000_000_000, BidPx: dec("100.5"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})
	if !rolled {
		t.Fatalf("expected rollover")
	}
	if result.L1Jumps != 1 {
		t.Fatalf("expected 1 L1 jump, got %d", result.L1Jumps)
	}
}

func TestMicroWindowReplenishmentCounted(t *testing.T) {
	w := NewMicroWindow(1_500_000_000)
	w.Observe(L1Tick{TsNs: 0, BidPx: dec("100"), BidQty: dec("5"), AskPx: dec("101"), AskQty: dec("5")})
	w.Observe(L1Tick{TsNs: 100_000_000, BidPx: dec("100"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("5")})
	w.Observe(L1Tick{TsNs: 200_000_000, BidPx: dec("100"), BidQty: dec("4"), AskPx: dec("101"), AskQty: dec("5")})
	result, rolled := w.Observe(L1Tick{TsNs: 2_000_000_000, BidPx: dec("100"), BidQty: dec("4"), AskPx: dec("101"), AskQty: dec("5")})
	if !rolled {
		t.Fatalf("expected rollover")
	}
	if result.Replenishments != 1 {
		t.Fatalf("expected 1 replenishment (qty increase at unchanged bid price), got %d", result.Replenishments)
	}
}

func TestMicroWindowFlushResetsAfterReport(t *testing.T) {
	w := NewMicroWindow(1_500_000_000)
	w.Observe(L1Tick{TsNs: 0, BidPx: dec("100"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})
	w.Observe(L1Tick{TsNs: 100_000_000, BidPx: dec("100.5"), BidQty: dec("1"), AskPx: dec("101"), AskQty: dec("1")})

	result, ok := w.Flush(200_000_000)
	if !ok {
		t.Fatalf("expected flush to report a result after observed ticks")
	}
	if result.Ticks != 2 {
		t.Fatalf("expected 2 ticks reported, got %d", result.Ticks)
	}

	_, ok = w.Flush(300_000_000)
	if ok {
		t.Fatalf("expected no result on flush with no new ticks since last flush")
	}
}

func TestOrderFlowImbalanceSignsByPriceMove(t *testing.T) {
	// Bid improves: full new bid qty counts as positive flow.
	v := orderFlowImbalance(dec("100"), dec("5"), dec("101"), dec("3"), dec("102"), dec("5"), dec("102"), dec("5"))
	if !v.Equal(dec("3")) {
		t.Fatalf("expected bid improvement to contribute +3, got %s", v)
	}
}

func TestMicropriceWeightsTowardLargerSide(t *testing.T) {
	mp := microprice(dec("100"), dec("9"), dec("101"), dec("1"))
	// Heavier bid size should pull microprice toward the ask (more buying
	// pressure resting on the bid tends to push price up toward ask).
	if mp.LessThanOrEqual(dec("100.5")) {
		t.Fatalf("expected microprice above simple mid, got %s", mp)
	}
}
