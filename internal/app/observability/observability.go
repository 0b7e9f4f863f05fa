package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"

	"examroom/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Collector struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	log      *zap.Logger
}

// NewCollector registers request metrics, Go runtime metrics and, when db is
// not nil, connection pool stats on a private registry.
func NewCollector(db *sql.DB, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "examroom",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "examroom",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		log: log,
	}

	reg.MustRegister(c.requests, c.latency)
	reg.MustRegister(collectors.NewGoCollector())
	if db != nil {
		reg.MustRegister(collectors.NewDBStatsCollector(db, "examroom"))
	}
	return c
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := auth.WithUserSlot(r.Context())
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := routeLabel(r)

		c.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.latency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		userID := int64(0)
		if u, ok := auth.SlotUser(ctx); ok {
			userID = u.ID
		}
		c.log.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("user_id", userID),
			zap.Int64("exam_id", extractExamID(r.URL.Path)),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000.0),
			zap.String("remote_ip", strings.TrimSpace(r.RemoteAddr)),
		)
	})
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// routeLabel prefers the chi pattern so label cardinality stays bounded.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return normalizedPath(r.URL.Path)
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func extractExamID(path string) int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "exams" {
			if id, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}
