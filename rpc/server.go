package rpc

import (
	"context"
	"errors"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/orderbook-sync/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var logger = logrus.WithField("component", "rpc")

type SnapshotUseCase interface {
	GetOrderBookSnapshot(ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error)
}

type server struct {
	orderbookSnapshotUseCase SnapshotUseCase
	validationService        *ValidationService
}

func NewServer(useCase SnapshotUseCase, providers ProviderRegistry) *server {
	return &server{
		orderbookSnapshotUseCase: useCase,
		validationService:        NewValidationService(providers),
	}
}

// NewGRPCServer registers the market data service and the health service.
func NewGRPCServer(srv MarketDataServiceServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(append(opts, grpc.UnaryInterceptor(logInterceptor))...)
	RegisterMarketDataServiceServer(s, srv)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s, healthServer)

	return s
}

// Serve listens on addr until ctx is done, then stops gracefully.
func Serve(ctx context.Context, addr string, s *grpc.Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		logger.WithError(err).WithField("method", info.FullMethod).Warn("request failed")
	} else {
		logger.WithField("method", info.FullMethod).Debug("request served")
	}
	return resp, err
}
