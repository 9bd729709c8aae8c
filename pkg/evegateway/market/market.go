package market

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go-kestrel/pkg/evegateway"
)

// Client interface for market-related ESI operations
type Client interface {
	GetMarketHistory(ctx context.Context, regionID, typeID int64) ([]HistoryEntry, error)
}

// HistoryEntry is one day of aggregated market data for a type in a region
type HistoryEntry struct {
	Date       string  `json:"date"`
	Average    float64 `json:"average"`
	Highest    float64 `json:"highest"`
	Lowest     float64 `json:"lowest"`
	OrderCount int64   `json:"order_count"`
	Volume     int64   `json:"volume"`
}

type MarketClient struct {
	fetcher evegateway.Fetcher
}

func NewMarketClient(fetcher evegateway.Fetcher) Client {
	return &MarketClient{fetcher: fetcher}
}

// GetMarketHistory fetches the daily price history for a type in a region.
// The upstream returns roughly 400 days, oldest first.
func (c *MarketClient) GetMarketHistory(ctx context.Context, regionID, typeID int64) ([]HistoryEntry, error) {
	tracer := otel.Tracer("evegateway")
	ctx, span := tracer.Start(ctx, "GetMarketHistory",
		trace.WithAttributes(
			attribute.Int64("region_id", regionID),
			attribute.Int64("type_id", typeID),
		))
	defer span.End()

	path := fmt.Sprintf("/markets/%d/history/?type_id=%d", regionID, typeID)

	body, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Request failed")
		return nil, err
	}

	var history []HistoryEntry
	if err := json.Unmarshal(body, &history); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to decode response")
		return nil, &evegateway.ContractError{Endpoint: path, Err: err}
	}

	span.SetStatus(codes.Ok, "Market history fetched successfully")
	return history, nil
}
