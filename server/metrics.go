/******************************************************************************
 *
 *  Description :
 *
 *    Prometheus metrics, generalizing the source repo's expvar
 *    LiveTopics counter onto client_golang gauges covering the fleet's
 *    own lifecycle counts.
 *
 *****************************************************************************/

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDevicesPresent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetdesk",
		Name:      "devices_present",
		Help:      "Number of devices with at least one live source.",
	})
	metricLeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetdesk",
		Name:      "leases_active",
		Help:      "Number of devices currently leased to a user.",
	})
	metricProvidersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetdesk",
		Name:      "providers_connected",
		Help:      "Number of live provider WebSocket connections.",
	})
)
