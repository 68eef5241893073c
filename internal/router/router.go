// Package router fans records out from shards to writers, keyed by
// channel. It is a direct port of original_source's
// feeds/core/router.py PipelineRouter: writers bind to the channels
// they care about, publishers don't know or care who's listening, and
// the router tracks last-seen timestamps per (channel, instrument) for
// health/staleness reporting.
package router

import (
	"sync"
	"time"

	"marketdata-ingestor/internal/events"
)

// Writer is anything that can accept a published record. Both the
// columnar and KV writers in internal/writer implement this with a
// bounded-channel Enqueue that never blocks the publishing shard.
type Writer interface {
	Name() string
	Enqueue(events.Record)
}

type lastSeenKey struct {
	channel    events.Channel
	instrument string
}

// Router binds writers to channels and fans published records out to
// every writer bound to that record's channel.
type Router struct {
	mu       sync.RWMutex
	bindings map[events.Channel][]Writer

	lastSeenMu sync.Mutex
	lastEventNs map[lastSeenKey]int64
	lastRecvNs  map[lastSeenKey]int64

	publishedMu sync.Mutex
	publishedByChannel map[events.Channel]int64
}

// New creates an empty router.
func New() *Router {
	return &Router{
		bindings:           make(map[events.Channel][]Writer),
		lastEventNs:        make(map[lastSeenKey]int64),
		lastRecvNs:         make(map[lastSeenKey]int64),
		publishedByChannel: make(map[events.Channel]int64),
	}
}

// Bind registers w to receive every record published on channel. Bind
// is expected to happen once at startup, before Publish is called
// concurrently, mirroring the orchestrator's wiring-then-run phases.
func (r *Router) Bind(channel events.Channel, w Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[channel] = append(r.bindings[channel], w)
}

// Publish fans rec out to every writer bound to rec's channel and
// records its arrival for staleness tracking.
func (r *Router) Publish(rec events.Record) {
	h := rec.GetHeader()

	r.lastSeenMu.Lock()
	key := lastSeenKey{channel: h.Chan, instrument: h.Instrument}
	r.lastEventNs[key] = h.TsEventNs
	r.lastRecvNs[key] = h.TsRecvNs
	r.lastSeenMu.Unlock()

	r.publishedMu.Lock()
	r.publishedByChannel[h.Chan]++
	r.publishedMu.Unlock()

	r.mu.RLock()
	writers := r.bindings[h.Chan]
	r.mu.RUnlock()

	for _, w := range writers {
		w.Enqueue(rec)
	}
}

// LastEventSnapshot reports, for every (channel, instrument) pair seen
// so far, the last event and receive timestamps — used by the stats
// endpoint to surface per-instrument feed staleness.
type LastEventSnapshot struct {
	Channel    events.Channel
	Instrument string
	LastEventNs int64
	LastRecvNs  int64
	Age         time.Duration
}

// LastEventSnapshots returns a point-in-time copy of the last-seen
// table, evaluated against now.
func (r *Router) LastEventSnapshots(now time.Time) []LastEventSnapshot {
	r.lastSeenMu.Lock()
	defer r.lastSeenMu.Unlock()

	out := make([]LastEventSnapshot, 0, len(r.lastEventNs))
	nowNs := now.UnixNano()
	for key, eventNs := range r.lastEventNs {
		recvNs := r.lastRecvNs[key]
		out = append(out, LastEventSnapshot{
			Channel:     key.channel,
			Instrument:  key.instrument,
			LastEventNs: eventNs,
			LastRecvNs:  recvNs,
			Age:         time.Duration(nowNs-recvNs) * time.Nanosecond,
		})
	}
	return out
}

// PublishedByChannel returns a point-in-time copy of the per-channel
// publish counters.
func (r *Router) PublishedByChannel() map[events.Channel]int64 {
	r.publishedMu.Lock()
	defer r.publishedMu.Unlock()

	out := make(map[events.Channel]int64, len(r.publishedByChannel))
	for k, v := range r.publishedByChannel {
		out[k] = v
	}
	return out
}

// AllWriters returns the set of distinct writers bound across every
// channel, each listed once regardless of how many channels it's
// bound to.
func (r *Router) AllWriters() []Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Writer
	for _, writers := range r.bindings {
		for _, w := range writers {
			if seen[w.Name()] {
				continue
			}
			seen[w.Name()] = true
			out = append(out, w)
		}
	}
	return out
}
