package promclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
)

var logger = logrus.WithField("component", "promclient")

type Metrics struct {
	registry *prometheus.Registry

	OpenOrderBooks    *prometheus.GaugeVec
	Status            *prometheus.GaugeVec
	StatusTransitions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OpenOrderBooks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderbook_open_books",
				Help: "number of order books kept in sync per provider",
			},
			[]string{"provider"},
		),
		Status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderbook_status",
				Help: "current status of the order book: 0 disconnected, 1 connecting, 2 syncing, 3 synced",
			},
			[]string{"provider", "symbol"},
		),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbook_status_transitions_total",
				Help: "status transitions of the order books by target status",
			},
			[]string{"provider", "symbol", "to"},
		),
	}

	m.registry.MustRegister(m.OpenOrderBooks, m.Status, m.StatusTransitions)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) OrderBookOpened(provider string) {
	m.OpenOrderBooks.WithLabelValues(provider).Inc()
}

func (m *Metrics) OrderBookClosed(provider string) {
	m.OpenOrderBooks.WithLabelValues(provider).Dec()
}

// StatusListener returns a status change listener for one book.
func (m *Metrics) StatusListener(provider string, symbol *domain.MarketSymbol) func(old, new domain.Status) {
	s := symbol.String()
	return func(old, new domain.Status) {
		m.Status.WithLabelValues(provider, s).Set(float64(new))
		m.StatusTransitions.WithLabelValues(provider, s, new.String()).Inc()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartPromClientServer serves /metrics on addr until ctx is done.
func StartPromClientServer(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("prometheus server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
