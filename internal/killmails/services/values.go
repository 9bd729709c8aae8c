package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"go-kestrel/internal/killmails/models"
)

// singletonBlueprintCopy is the singleton flag marking a blueprint copy
const singletonBlueprintCopy = 2

// PriceOracle resolves ISK prices and blueprint status for types
type PriceOracle interface {
	// PriceFor returns the price of a type nearest to the given date,
	// falling back to a nominal 0.01 when no price is known.
	PriceFor(ctx context.Context, typeID int64, date time.Time) (float64, error)
	// IsBlueprint reports whether the type belongs to the blueprint
	// category.
	IsBlueprint(ctx context.Context, typeID int64) (bool, error)
}

// Calculator derives the five ISK values of a killmail
type Calculator struct {
	oracle PriceOracle
}

// NewCalculator creates a new value calculator
func NewCalculator(oracle PriceOracle) *Calculator {
	return &Calculator{oracle: oracle}
}

// priceOf applies the blueprint rules on top of the oracle price.
// Originals are worthless on the market, copies trade at a hundredth.
func (c *Calculator) priceOf(ctx context.Context, typeID, singleton int64, date time.Time) (float64, error) {
	blueprint, err := c.oracle.IsBlueprint(ctx, typeID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve type %d: %w", typeID, err)
	}

	if blueprint {
		if singleton == singletonBlueprintCopy {
			price, err := c.oracle.PriceFor(ctx, typeID, date)
			if err != nil {
				return 0, err
			}
			return price / 100, nil
		}
		return 0.01, nil
	}

	return c.oracle.PriceFor(ctx, typeID, date)
}

// Calculate computes the values of a killmail at its kill time. Container
// items contribute nothing themselves; their contents are priced
// individually.
func (c *Calculator) Calculate(ctx context.Context, full *models.Full) (models.Values, error) {
	var values models.Values
	killTime := full.Killmail.KillTime

	shipPrice, err := c.priceOf(ctx, full.Victim.ShipTypeID, 0, killTime)
	if err != nil {
		return values, fmt.Errorf("failed to price victim ship: %w", err)
	}
	values.ShipValue = round2(shipPrice)

	hasChildren := make(map[int32]bool, len(full.Items))
	for _, it := range full.Items {
		if it.ParentSeq != nil {
			hasChildren[*it.ParentSeq] = true
		}
	}

	for _, it := range full.Items {
		if hasChildren[it.Seq] {
			continue
		}

		price, err := c.priceOf(ctx, it.ItemTypeID, it.Singleton, killTime)
		if err != nil {
			return values, fmt.Errorf("failed to price item type %d: %w", it.ItemTypeID, err)
		}

		values.DroppedValue += price * float64(it.QuantityDropped)
		values.DestroyedValue += price * float64(it.QuantityDestroyed)
	}

	values.DroppedValue = round2(values.DroppedValue)
	values.DestroyedValue = round2(values.DestroyedValue)
	values.FittedValue = round2(values.DroppedValue + values.DestroyedValue)
	values.TotalValue = round2(values.ShipValue + values.FittedValue)
	return values, nil
}

// round2 keeps ISK figures at cent precision, matching the NUMERIC(20,2)
// columns.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
