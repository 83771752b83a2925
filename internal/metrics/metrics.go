// Package metrics registers the Prometheus counters and histograms
// exported on the loopback surface's /metrics handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BeaconsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_beacons_sent_total",
		Help: "Beacons successfully emitted by this node.",
	})
	BeaconsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_beacons_received_total",
		Help: "Beacon datagrams that decrypted successfully and upserted a peer.",
	})
	BeaconsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_beacons_dropped_total",
		Help: "Beacon datagrams dropped for bad magic, truncation, or failed AEAD open.",
	})

	ReplicationAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_replication_admitted_total",
		Help: "Replication envelopes accepted and appended to the chain.",
	})
	ReplicationSeen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_replication_seen_total",
		Help: "Replication envelopes rejected as already-seen duplicates.",
	})
	ReplicationRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshnet_replication_rejected_total",
		Help: "Replication envelopes rejected, labeled by reason.",
	}, []string{"reason"})
	ReplicationFanoutAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_replication_fanout_attempts_total",
		Help: "Outbound forward attempts made during replication fanout.",
	})

	MixRelayHops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_mix_relay_hops_total",
		Help: "Onion packets relayed at this node (not delivered locally).",
	})
	MixRelayDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meshnet_mix_relay_delivered_total",
		Help: "Final envelopes delivered at this node as the terminal hop.",
	})
	MixRelayJitter = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshnet_mix_relay_jitter_seconds",
		Help:    "Jitter sleep duration applied before forwarding an onion layer.",
		Buckets: prometheus.LinearBuckets(0.1, 0.05, 10),
	})

	// The escrow counters are registered but nothing in this module
	// increments them, so they always read zero.
	EscrowSaves   = prometheus.NewCounter(prometheus.CounterOpts{Name: "meshnet_escrow_saves_total", Help: "Key Escrow save operations."})
	EscrowGets    = prometheus.NewCounter(prometheus.CounterOpts{Name: "meshnet_escrow_gets_total", Help: "Key Escrow get operations."})
	EscrowDeletes = prometheus.NewCounter(prometheus.CounterOpts{Name: "meshnet_escrow_deletes_total", Help: "Key Escrow delete operations."})
)

// Registry returns a fresh registry with every mesh collector
// registered; each process constructs exactly one.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		BeaconsSent, BeaconsReceived, BeaconsDropped,
		ReplicationAdmitted, ReplicationSeen, ReplicationRejected, ReplicationFanoutAttempts,
		MixRelayHops, MixRelayDelivered, MixRelayJitter,
		EscrowSaves, EscrowGets, EscrowDeletes,
	)
	return reg
}
