package router

import (
	"testing"
	"time"

	"marketdata-ingestor/internal/events"
)

type fakeWriter struct {
	name     string
	received []events.Record
}

func (f *fakeWriter) Name() string { return f.name }
func (f *fakeWriter) Enqueue(r events.Record) { f.received = append(f.received, r) }

func TestPublishFansOutToBoundWriters(t *testing.T) {
	r := New()
	w1 := &fakeWriter{name: "columnar"}
	w2 := &fakeWriter{name: "kv"}
	r.Bind(events.ChannelTrades, w1)
	r.Bind(events.ChannelTrades, w2)
	r.Bind(events.ChannelL1, w1)

	trade := events.Trade{Header: events.Header{Instrument: "BTCUSDT", Chan: events.ChannelTrades}}
	r.Publish(trade)

	if len(w1.received) != 1 || len(w2.received) != 1 {
		t.Fatalf("expected both trade-bound writers to receive the record, got w1=%d w2=%d", len(w1.received), len(w2.received))
	}

	l1 := events.DepthSnapshot{Header: events.Header{Instrument: "BTCUSDT", Chan: events.ChannelL1}}
	r.Publish(l1)
	if len(w1.received) != 2 {
		t.Fatalf("expected w1 to also receive the l1 record")
	}
	if len(w2.received) != 1 {
		t.Fatalf("w2 is not bound to l1 and should not have received it")
	}
}

func TestLastEventSnapshotsTracksPerInstrument(t *testing.T) {
	r := New()
	w := &fakeWriter{name: "columnar"}
	r.Bind(events.ChannelTrades, w)

	r.Publish(events.Trade{Header: events.Header{Instrument: "ETHUSDT", Chan: events.ChannelTrades, TsEventNs: 100, TsRecvNs: 200}})

	snaps := r.LastEventSnapshots(time.Unix(0, 300))
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot entry, got %d", len(snaps))
	}
	if snaps[0].LastEventNs != 100 || snaps[0].Instrument != "ETHUSDT" {
		t.Fatalf("unexpected snapshot: %+v", snaps[0])
	}
}

func TestAllWritersDeduplicatesAcrossChannels(t *testing.T) {
	r := New()
	w := &fakeWriter{name: "columnar"}
	r.Bind(events.ChannelTrades, w)
	r.Bind(events.ChannelL1, w)

	all := r.AllWriters()
	if len(all) != 1 {
		t.Fatalf("expected writer bound to 2 channels to be deduplicated, got %d", len(all))
	}
}
