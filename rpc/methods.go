package rpc

import (
	"context"
	"errors"

	"github.com/spooky-finn/orderbook-sync/provider"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *server) GetOrderBookSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := ParseGetOrderBookSnapshotRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if !s.validationService.IsSupportedProvider(req.Provider) {
		return nil, status.Errorf(codes.InvalidArgument, "provider %s is not supported", req.Provider)
	}

	marketSymbol, err := s.validationService.ParseMarket(req.Market)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid market symbol %q, expected base/quote", req.Market)
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(ctx, req.Provider, marketSymbol, req.MaxDepth)
	if err != nil {
		return nil, toStatusError(err)
	}

	out, err := NewGetOrderBookSnapshotResponse(snapshot).ToStruct()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatusError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, provider.ErrUnknownProvider):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
