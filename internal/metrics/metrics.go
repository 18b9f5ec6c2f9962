// Package metrics exposes Prometheus instrumentation for the
// verification pipeline and a small HTTP listener serving /metrics
// and /health.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds the pipeline metrics.
type Registry struct {
	reg *prometheus.Registry

	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec

	VerificationsTotal  *prometheus.CounterVec
	ActiveVerifications prometheus.Gauge
	FortScore           prometheus.Histogram

	ProviderCalls *prometheus.CounterVec
}

// NewRegistry builds and registers the fortress metric set on its own
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fortress_stage_duration_seconds",
				Help:    "Duration of each verification stage in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "result"},
		),

		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fortress_stage_errors_total",
				Help: "Total number of stage failures by stage",
			},
			[]string{"stage"},
		),

		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fortress_verifications_total",
				Help: "Total number of completed verifications by verdict",
			},
			[]string{"status"},
		),

		ActiveVerifications: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fortress_active_verifications",
				Help: "Number of currently running verification pipelines",
			},
		),

		FortScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fortress_fort_score",
				Help:    "Distribution of emitted Fort Scores",
				Buckets: []float64{0, 20, 40, 60, 80, 100, 120, 140, 160, 180},
			},
		),

		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fortress_llm_provider_calls_total",
				Help: "Total LLM provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
	}

	r.reg.MustRegister(
		r.StageDuration,
		r.StageErrors,
		r.VerificationsTotal,
		r.ActiveVerifications,
		r.FortScore,
		r.ProviderCalls,
	)
	return r
}

// RecordVerification tallies a finished pipeline.
func (r *Registry) RecordVerification(status string, fortScore int) {
	r.VerificationsTotal.WithLabelValues(status).Inc()
	r.FortScore.Observe(float64(fortScore))
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Server exposes /metrics and /health.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, registry *Registry) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", registry.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("metrics listener started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
