package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	ScrapeRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_runs_total",
		Help: "Количество запусков сканирования по исходу",
	}, []string{"outcome"})

	ScrapeMessagesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scrape_messages_processed_total",
		Help: "Количество обработанных сообщений",
	})

	ScrapeItemErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scrape_item_errors_total",
		Help: "Ошибки обработки отдельных сообщений (пропущены)",
	})

	ScrapeRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrape_run_duration_seconds",
		Help:    "Длительность одного сканирования",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	FloodWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scrape_flood_waits_total",
		Help: "Количество пауз по rate-limit",
	})

	FloodWaitSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scrape_flood_wait_seconds_total",
		Help: "Суммарное время пауз по rate-limit",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ScrapeRunsTotal,
		ScrapeMessagesProcessed,
		ScrapeItemErrors,
		ScrapeRunDuration,
		FloodWaitsTotal,
		FloodWaitSecondsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveScrapeRun записывает исход и длительность сканирования.
func ObserveScrapeRun(outcome string, duration time.Duration) {
	ScrapeRunsTotal.WithLabelValues(outcome).Inc()
	ScrapeRunDuration.Observe(duration.Seconds())
}

// ObserveFloodWait записывает паузу по rate-limit.
func ObserveFloodWait(wait time.Duration) {
	FloodWaitsTotal.Inc()
	FloodWaitSecondsTotal.Add(wait.Seconds())
}
