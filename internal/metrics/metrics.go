package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	HttpRequests *prometheus.CounterVec
	HttpRetries  prometheus.Counter
	Upserts      *prometheus.CounterVec
	RoutesStored prometheus.Counter
	RoutePoints  prometheus.Histogram
	LockSkipped  *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_http_requests_total"}, []string{"status"})
	httpRetries := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_http_retries_total"})
	upserts := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_upsert_total"}, []string{"table", "outcome"})
	routesStored := prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_routes_stored_total"})
	routePoints := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_route_points",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
	lockSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_lock_skipped_total"}, []string{"family"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_job_duration_seconds",
		Buckets: prometheus.ExponentialBuckets(1, 3, 10),
	}, []string{"family"})

	r.MustRegister(httpRequests, httpRetries, upserts, routesStored, routePoints, lockSkipped, jobDuration)
	return &Registry{
		reg:          r,
		HttpRequests: httpRequests,
		HttpRetries:  httpRetries,
		Upserts:      upserts,
		RoutesStored: routesStored,
		RoutePoints:  routePoints,
		LockSkipped:  lockSkipped,
		JobDuration:  jobDuration,
	}
}

// ObserveRequest counts one response; status 0 marks a transport failure
func (r *Registry) ObserveRequest(status int) {
	if r == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.HttpRequests.WithLabelValues(label).Inc()
}

func (r *Registry) ObserveRetry() {
	if r == nil {
		return
	}
	r.HttpRetries.Inc()
}

func (r *Registry) ObserveUpsert(table string, outcome string) {
	if r == nil {
		return
	}
	r.Upserts.WithLabelValues(table, outcome).Inc()
}

func (r *Registry) ObserveRoute(points int) {
	if r == nil {
		return
	}
	r.RoutesStored.Inc()
	r.RoutePoints.Observe(float64(points))
}

func (r *Registry) ObserveLockSkipped(family string) {
	if r == nil {
		return
	}
	r.LockSkipped.WithLabelValues(family).Inc()
}

func (r *Registry) ObserveJob(family string, seconds float64) {
	if r == nil {
		return
	}
	r.JobDuration.WithLabelValues(family).Observe(seconds)
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
