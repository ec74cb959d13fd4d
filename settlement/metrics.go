// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	settlementsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "btcsettle_settlements_started_total",
		Help: "Settlements started.",
	})

	settlementsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "btcsettle_settlements_active",
		Help: "Settlements currently running.",
	})

	settlementResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "btcsettle_settlement_results_total",
		Help: "Finished settlements by final state.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(
		settlementsStarted, settlementsActive, settlementResults,
	)
}
