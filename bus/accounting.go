// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// broadcastBucket is added to the user value of the target adapter of
// broadcast deliveries so they are accounted separately from addressed ones.
const broadcastBucket = 0x1000

// broadcastBucketOf returns the bucket of broadcasts delivered to adapter.
// Adapters are keyed by their first identity, like addressed deliveries are
// keyed by their receiver.
func broadcastBucketOf(adapter Adapter) int {
	users := adapter.SupportedUsers()
	if len(users) == 0 {
		return broadcastBucket
	}
	return broadcastBucket + users[0].Value()
}

var (
	metricsOnce   sync.Once
	sharedMetrics *queueMetrics
)

// queueMetrics exports the accounting samples of every queue.
type queueMetrics struct {
	processTime *prometheus.HistogramVec
	deferred    *prometheus.GaugeVec
	dropped     *prometheus.CounterVec
}

func newQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		m := &queueMetrics{
			processTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "btcsettle_bus_process_seconds",
					Help: "Time spent delivering an " +
						"envelope per destination.",
					Buckets: prometheus.ExponentialBuckets(
						0.00001, 4, 10,
					),
				}, []string{"queue", "destination"},
			),
			deferred: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "btcsettle_bus_deferred",
				Help: "Number of envelopes waiting for a " +
					"later sweep.",
			}, []string{"queue"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "btcsettle_bus_dropped_total",
				Help: "Envelopes dropped by reason.",
			}, []string{"queue", "reason"}),
		}
		prometheus.MustRegister(m.processTime, m.deferred, m.dropped)
		sharedMetrics = m
	})
	return sharedMetrics
}

// Stats is the aggregated processing time of one destination.
type Stats struct {
	Destination string
	Count       int
	Min         time.Duration
	Max         time.Duration
	Total       time.Duration
}

// Avg returns the mean processing time.
func (s Stats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// accounting aggregates per destination processing times of a queue.
type accounting struct {
	queue   string
	metrics *queueMetrics

	mtx   sync.Mutex
	stats map[int]*Stats
}

func newAccounting(queue string) *accounting {
	return &accounting{
		queue:   queue,
		metrics: newQueueMetrics(),
		stats:   make(map[int]*Stats),
	}
}

// add records one delivery to the destination bucket.
func (a *accounting) add(bucket int, name string, elapsed time.Duration) {
	a.metrics.processTime.WithLabelValues(a.queue, name).Observe(
		elapsed.Seconds(),
	)

	a.mtx.Lock()
	defer a.mtx.Unlock()

	s, ok := a.stats[bucket]
	if !ok {
		s = &Stats{Destination: name, Min: elapsed, Max: elapsed}
		a.stats[bucket] = s
	}
	s.Count++
	s.Total += elapsed
	if elapsed < s.Min {
		s.Min = elapsed
	}
	if elapsed > s.Max {
		s.Max = elapsed
	}
}

func (a *accounting) setDeferred(n int) {
	a.metrics.deferred.WithLabelValues(a.queue).Set(float64(n))
}

func (a *accounting) dropped(reason string) {
	a.metrics.dropped.WithLabelValues(a.queue, reason).Inc()
}

// reset clears every aggregate.
func (a *accounting) reset() {
	a.mtx.Lock()
	a.stats = make(map[int]*Stats)
	a.mtx.Unlock()
}

// snapshot returns a copy of the aggregates keyed by bucket.
func (a *accounting) snapshot() map[int]Stats {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	res := make(map[int]Stats, len(a.stats))
	for bucket, s := range a.stats {
		res[bucket] = *s
	}
	return res
}

// report logs the aggregates ordered by bucket.
func (a *accounting) report() {
	stats := a.snapshot()
	if len(stats) == 0 {
		return
	}

	buckets := make([]int, 0, len(stats))
	for bucket := range stats {
		buckets = append(buckets, bucket)
	}
	sort.Ints(buckets)

	log.Infof("Queue %s processing times:", a.queue)
	for _, bucket := range buckets {
		s := stats[bucket]
		name := s.Destination
		if bucket >= broadcastBucket {
			name += " (broadcast)"
		}
		log.Infof("  %s [%s]: count=%d min=%v avg=%v max=%v", name,
			strconv.Itoa(bucket), s.Count, s.Min, s.Avg(), s.Max)
	}
}
