package models

import (
	"time"
)

// Price is one day of aggregated market data for a type in a region
type Price struct {
	TypeID     int64     `json:"type_id"`
	RegionID   int64     `json:"region_id"`
	PriceDate  time.Time `json:"price_date"`
	Average    float64   `json:"average"`
	Highest    float64   `json:"highest"`
	Lowest     float64   `json:"lowest"`
	OrderCount int64     `json:"order_count"`
	Volume     int64     `json:"volume"`
}
