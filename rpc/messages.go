package rpc

import (
	"fmt"
	"time"

	"github.com/spooky-finn/orderbook-sync/domain"
	"google.golang.org/protobuf/types/known/structpb"
)

type GetOrderBookSnapshotRequest struct {
	Provider string
	// base/quote, e.g. btc/usdt
	Market   string
	MaxDepth int
}

func (r *GetOrderBookSnapshotRequest) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"provider": r.Provider,
		"market":   r.Market,
		"maxDepth": r.MaxDepth,
	})
}

func ParseGetOrderBookSnapshotRequest(s *structpb.Struct) (*GetOrderBookSnapshotRequest, error) {
	fields := s.GetFields()

	req := &GetOrderBookSnapshotRequest{
		Provider: fields["provider"].GetStringValue(),
		Market:   fields["market"].GetStringValue(),
	}

	if v, ok := fields["maxDepth"]; ok {
		if _, isNumber := v.GetKind().(*structpb.Value_NumberValue); !isNumber {
			return nil, fmt.Errorf("maxDepth must be a number")
		}
		depth := v.GetNumberValue()
		if depth < 0 || depth != float64(int(depth)) {
			return nil, fmt.Errorf("maxDepth must be a non negative integer, got %v", depth)
		}
		req.MaxDepth = int(depth)
	}

	return req, nil
}

type OrderBookLevel struct {
	Price string
	Qty   string
}

type GetOrderBookSnapshotResponse struct {
	Source       domain.OrderBookSource
	Status       string
	LastUpdateId int64
	// set for local books only
	UpdatedAt    time.Time
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
}

func NewGetOrderBookSnapshotResponse(snapshot *domain.OrderBookSnapshot) *GetOrderBookSnapshotResponse {
	resp := &GetOrderBookSnapshotResponse{
		Source:       snapshot.Source,
		LastUpdateId: snapshot.LastUpdateId,
		Bids:         toLevels(snapshot.Bids),
		Asks:         toLevels(snapshot.Asks),
	}
	if snapshot.Source == domain.OrderBookSource_LocalOrderBook {
		resp.Status = snapshot.Status.String()
		resp.UpdatedAt = snapshot.UpdatedAt
	}
	return resp
}

func toLevels(depth [][]string) []OrderBookLevel {
	levels := make([]OrderBookLevel, 0, len(depth))
	for _, level := range depth {
		if len(level) < 2 {
			continue
		}
		levels = append(levels, OrderBookLevel{Price: level[0], Qty: level[1]})
	}
	return levels
}

func (r *GetOrderBookSnapshotResponse) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"source":       string(r.Source),
		"status":       r.Status,
		"lastUpdateId": r.LastUpdateId,
		"bids":         levelsToList(r.Bids),
		"asks":         levelsToList(r.Asks),
	}
	if !r.UpdatedAt.IsZero() {
		fields["updatedAt"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(fields)
}

func levelsToList(levels []OrderBookLevel) []interface{} {
	list := make([]interface{}, len(levels))
	for i, l := range levels {
		list[i] = map[string]interface{}{"price": l.Price, "qty": l.Qty}
	}
	return list
}

func ParseGetOrderBookSnapshotResponse(s *structpb.Struct) (*GetOrderBookSnapshotResponse, error) {
	fields := s.GetFields()

	resp := &GetOrderBookSnapshotResponse{
		Source:       domain.OrderBookSource(fields["source"].GetStringValue()),
		Status:       fields["status"].GetStringValue(),
		LastUpdateId: int64(fields["lastUpdateId"].GetNumberValue()),
		Bids:         listToLevels(fields["bids"].GetListValue()),
		Asks:         listToLevels(fields["asks"].GetListValue()),
	}
	if v := fields["updatedAt"].GetStringValue(); v != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid updatedAt %q: %w", v, err)
		}
		resp.UpdatedAt = updatedAt
	}
	return resp, nil
}

func listToLevels(list *structpb.ListValue) []OrderBookLevel {
	values := list.GetValues()
	levels := make([]OrderBookLevel, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		levels = append(levels, OrderBookLevel{
			Price: f["price"].GetStringValue(),
			Qty:   f["qty"].GetStringValue(),
		})
	}
	return levels
}
