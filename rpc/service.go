package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName                      = "orderbooksync.MarketDataService"
	GetOrderBookSnapshotFullMethod   = "/" + ServiceName + "/GetOrderBookSnapshot"
	getOrderBookSnapshotMethodName   = "GetOrderBookSnapshot"
	marketDataServiceMetadataContent = "orderbooksync/market_data"
)

// MarketDataServiceServer exchanges google.protobuf.Struct messages, see
// GetOrderBookSnapshotRequest and GetOrderBookSnapshotResponse for the fields.
type MarketDataServiceServer interface {
	GetOrderBookSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var MarketDataService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketDataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: getOrderBookSnapshotMethodName,
			Handler:    getOrderBookSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: marketDataServiceMetadataContent,
}

func RegisterMarketDataServiceServer(s grpc.ServiceRegistrar, srv MarketDataServiceServer) {
	s.RegisterService(&MarketDataService_ServiceDesc, srv)
}

func getOrderBookSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetOrderBookSnapshotFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type MarketDataServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketDataServiceClient(cc grpc.ClientConnInterface) *MarketDataServiceClient {
	return &MarketDataServiceClient{cc: cc}
}

func (c *MarketDataServiceClient) GetOrderBookSnapshot(ctx context.Context, in *GetOrderBookSnapshotRequest, opts ...grpc.CallOption) (*GetOrderBookSnapshotResponse, error) {
	req, err := in.ToStruct()
	if err != nil {
		return nil, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetOrderBookSnapshotFullMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return ParseGetOrderBookSnapshotResponse(out)
}
