package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "memory_hits_total",
		Help:      "Requests answered synchronously from the memory tier.",
	})
	diskHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "disk_hits_total",
		Help:      "Disk tier hits, counted once per key however many requests share it.",
	})
	downloadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "downloads_started_total",
		Help:      "Provider downloads started.",
	})
	downloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "downloads_failed_total",
		Help:      "Provider downloads which returned an error or no image.",
	})
	coalescedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "coalesced_requests_total",
		Help:      "Requests attached to an already running pipeline for the same key.",
	})
	canceledTokens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "canceled_tokens_total",
		Help:      "Request tokens canceled by the client.",
	})
	badIdentifiers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plimagemanager",
		Name:      "bad_identifiers_total",
		Help:      "Requests rejected because the provider produced no key.",
	})
)
