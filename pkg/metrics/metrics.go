package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whoisrdap_lookups_total",
		Help: "Total lookups by outcome (hit, miss, rejected, error)",
	}, []string{"outcome"})
	FetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whoisrdap_rdap_fetches_total",
		Help: "Total RDAP requests by response class",
	}, []string{"status"})
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whoisrdap_rdap_fetch_duration_seconds",
		Help:    "RDAP fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	StoreErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whoisrdap_store_errors_total",
		Help: "Total failed store operations",
	}, []string{"op"})
	UpsertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whoisrdap_store_upserts_total",
		Help: "Total upserts by result (inserted, revalidated)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(LookupsTotal)
	prometheus.MustRegister(FetchesTotal)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(UpsertsTotal)
}

func Handler() http.Handler { return promhttp.Handler() }
