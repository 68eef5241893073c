package writer

import (
	"testing"

	"marketdata-ingestor/internal/events"

	"github.com/shopspring/decimal"
)

func TestEventToRowTrade(t *testing.T) {
	table, row := eventToRow(events.Trade{
		Header: events.Header{Instrument: "BTCUSDT", TsEventNs: 1, TsRecvNs: 2},
		Price:  decimal.RequireFromString("100"),
		Qty:    decimal.RequireFromString("1"),
		Side:   events.SideBuy,
	})
	if table != "trades" {
		t.Fatalf("expected trades table, got %s", table)
	}
	if row["price"] != "100" {
		t.Fatalf("expected price serialized as string, got %v", row["price"])
	}
}

func TestEventToRowDepthSnapshotRoutesByDepth(t *testing.T) {
	table, _ := eventToRow(events.DepthSnapshot{
		Header: events.Header{Instrument: "BTCUSDT"},
		Depth:  20,
	})
	if table != "order_book_depth" {
		t.Fatalf("expected order_book_depth table for generic depth event, got %s", table)
	}
}

func TestEventToRowUnknownVariantReturnsEmpty(t *testing.T) {
	table, row := eventToRow(events.Header{})
	if table != "" || row != nil {
		t.Fatalf("expected unmapped variant to yield no row, got table=%s row=%v", table, row)
	}
}

func TestTableSchemasIncludeCoreTables(t *testing.T) {
	schemas := tableSchemas("marketdata")
	if len(schemas) == 0 {
		t.Fatalf("expected at least one DDL statement")
	}
	for _, s := range schemas {
		if !contains(s, "CREATE TABLE IF NOT EXISTS marketdata.") {
			t.Fatalf("expected idempotent DDL, got: %s", s)
		}
	}
	all := ""
	for _, s := range schemas {
		all += s + "\n"
	}
	for _, table := range []string{
		"trades", "agg_trades_5s", "order_book_depth", "order_book_diffs",
		"liquidations", "klines", "mark_price", "funding", "advanced_metrics",
	} {
		if !contains(all, "marketdata."+table+" (") {
			t.Fatalf("expected DDL for core table %s", table)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
