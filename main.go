package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/config"
	"github.com/spooky-finn/orderbook-sync/domain"
	"github.com/spooky-finn/orderbook-sync/infrastructure/kafka"
	"github.com/spooky-finn/orderbook-sync/infrastructure/prometheus"
	"github.com/spooky-finn/orderbook-sync/provider"
	"github.com/spooky-finn/orderbook-sync/rpc"
	"github.com/spooky-finn/orderbook-sync/usecase"
	"golang.org/x/sync/errgroup"
)

const bootTimeout = 30 * time.Second

func main() {
	conf, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logrus.SetLevel(conf.LogLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connManager := provider.NewConnectionManager(conf)
	connManager.Init()
	logrus.WithField("providers", connManager.Providers()).Info("providers enabled")
	defer connManager.Close()

	metrics := promclient.NewMetrics()
	observers := []usecase.StatusObserver{metrics}

	var publisher *kafka.StatusPublisher
	if len(conf.KafkaBrokers) > 0 {
		publisher = kafka.NewStatusPublisher(conf.KafkaBrokers, conf.KafkaStatusTopic)
		observers = append(observers, publisher)
	}

	opts := domain.DefaultOrderBookOptions()
	opts.ResyncBackoffMin = conf.ResyncBackoffMin
	opts.ResyncBackoffMax = conf.ResyncBackoffMax

	snapshotUseCase := usecase.NewOrderBookSnapshotUseCase(connManager, opts, observers...)

	bootBooks(ctx, snapshotUseCase, conf.Books)

	grpcServer := rpc.NewGRPCServer(rpc.NewServer(snapshotUseCase, connManager))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.Serve(gctx, conf.GrpcAddr, grpcServer)
	})
	g.Go(func() error {
		return promclient.StartPromClientServer(gctx, conf.MetricsAddr, metrics)
	})
	if publisher != nil {
		g.Go(func() error {
			publisher.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("server stopped with error")
	}

	logrus.Info("shutting down")
	snapshotUseCase.StopAll()

	if publisher != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Close(closeCtx); err != nil {
			logrus.WithError(err).Warn("failed to close status publisher")
		}
	}
}

// bootBooks starts the configured books concurrently. A book that fails to
// start is logged and left to be started on demand.
func bootBooks(ctx context.Context, uc *usecase.OrderBookSnapshotUseCase, books []config.BookConfig) {
	if len(books) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range books {
		b := b
		g.Go(func() error {
			log := logrus.WithFields(logrus.Fields{"provider": b.Provider, "symbol": b.Symbol})

			symbol, err := domain.NewMarketSymbolFromString(b.Symbol)
			if err != nil {
				log.WithError(err).Error("invalid symbol in books file")
				return nil
			}
			if _, err := uc.StartOrderBook(gctx, b.Provider, symbol); err != nil {
				log.WithError(err).Error("failed to start orderbook")
				return nil
			}
			log.Info("orderbook started")
			return nil
		})
	}
	_ = g.Wait()
}
