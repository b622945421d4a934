// Package sweeper evicts stale collaboration sessions and publishes
// aggregate session/room stats.
package sweeper

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"scribe/collab/internal/registry"
	"scribe/collab/internal/room"
)

// Metrics holds the gauges and counters the sweeper publishes.
type Metrics struct {
	Sessions    prometheus.Gauge
	Rooms       prometheus.Gauge
	RoomMembers prometheus.Gauge
	Evictions   prometheus.Counter
}

// NewMetrics creates and registers the sweeper metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_sessions",
			Help: "Number of live collaboration sessions",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_rooms",
			Help: "Number of active rooms",
		}),
		RoomMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_room_members",
			Help: "Total membership across all rooms",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_evictions_total",
			Help: "Sessions evicted for missing heartbeats",
		}),
	}
	reg.MustRegister(m.Sessions, m.Rooms, m.RoomMembers, m.Evictions)
	return m
}

// Sweeper runs two periodic jobs on one loop: stale-session eviction and
// aggregate stats publication.
type Sweeper struct {
	registry   *registry.Registry
	rooms      *room.Broadcaster
	evict      func(connID string)
	staleAfter time.Duration
	sweepEvery time.Duration
	statsEvery time.Duration
	metrics    *Metrics

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a sweeper. evict is the full disconnect path (registry,
// rooms, transport); the sweeper never mutates rooms directly.
func New(reg *registry.Registry, rooms *room.Broadcaster, evict func(connID string), staleAfter, sweepEvery, statsEvery time.Duration, metrics *Metrics) *Sweeper {
	return &Sweeper{
		registry:   reg,
		rooms:      rooms,
		evict:      evict,
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
		statsEvery: statsEvery,
		metrics:    metrics,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the loop. Stop it with Stop. Starting twice is a no-op.
func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	sweep := time.NewTicker(s.sweepEvery)
	stats := time.NewTicker(s.statsEvery)
	defer sweep.Stop()
	defer stats.Stop()

	for {
		select {
		case <-sweep.C:
			s.Sweep()
		case <-stats.C:
			s.PublishStats()
		case <-s.stop:
			return
		}
	}
}

// Stop halts the loop and waits for it to exit. Idempotent, and safe to
// call on a sweeper that was never started.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

// Sweep evicts every session stale for longer than the threshold and
// returns the eviction count. One failed eviction does not stop the rest.
func (s *Sweeper) Sweep() int {
	stale := s.registry.SessionsOlderThan(s.staleAfter)
	for _, sess := range stale {
		log.Printf("sweeper: evicting stale session %s (user %q, last seen %s)",
			sess.ConnID, sess.UserID, sess.LastSeenAt.Format(time.RFC3339))
		s.evict(sess.ConnID)
		if s.metrics != nil {
			s.metrics.Evictions.Inc()
		}
	}
	return len(stale)
}

// PublishStats computes and publishes the aggregate totals.
func (s *Sweeper) PublishStats() {
	sessions := s.registry.Len()
	rooms, members := s.rooms.Counts()
	if s.metrics != nil {
		s.metrics.Sessions.Set(float64(sessions))
		s.metrics.Rooms.Set(float64(rooms))
		s.metrics.RoomMembers.Set(float64(members))
	}
	log.Printf("sweeper: %d sessions, %d rooms, %d members", sessions, rooms, members)
}
