package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-kestrel/internal/killmails/models"
)

// fakeOracle serves fixed prices and blueprint flags
type fakeOracle struct {
	prices     map[int64]float64
	blueprints map[int64]bool
}

func (o *fakeOracle) PriceFor(_ context.Context, typeID int64, _ time.Time) (float64, error) {
	if price, ok := o.prices[typeID]; ok {
		return price, nil
	}
	return 0.01, nil
}

func (o *fakeOracle) IsBlueprint(_ context.Context, typeID int64) (bool, error) {
	return o.blueprints[typeID], nil
}

func valueTestFull(items []models.Item) *models.Full {
	return &models.Full{
		Killmail: models.Killmail{
			KillmailID: 1,
			KillTime:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		Victim: models.Victim{ShipTypeID: 587},
		Items:  items,
	}
}

func TestCalculate_SumsShipAndItems(t *testing.T) {
	oracle := &fakeOracle{prices: map[int64]float64{
		587: 500000,
		34:  5,
		35:  10,
	}}
	calc := NewCalculator(oracle)

	values, err := calc.Calculate(context.Background(), valueTestFull([]models.Item{
		{Seq: 0, ItemTypeID: 34, QuantityDropped: 1000},
		{Seq: 1, ItemTypeID: 35, QuantityDestroyed: 200},
	}))
	require.NoError(t, err)

	assert.Equal(t, 500000.0, values.ShipValue)
	assert.Equal(t, 5000.0, values.DroppedValue)
	assert.Equal(t, 2000.0, values.DestroyedValue)
	assert.Equal(t, 7000.0, values.FittedValue)
	assert.Equal(t, 507000.0, values.TotalValue)
}

func TestCalculate_TotalIsShipPlusFitted(t *testing.T) {
	oracle := &fakeOracle{prices: map[int64]float64{
		587: 123.45,
		34:  0.07,
	}}
	calc := NewCalculator(oracle)

	values, err := calc.Calculate(context.Background(), valueTestFull([]models.Item{
		{Seq: 0, ItemTypeID: 34, QuantityDropped: 3, QuantityDestroyed: 7},
	}))
	require.NoError(t, err)

	assert.InDelta(t, values.DroppedValue+values.DestroyedValue, values.FittedValue, 0.001)
	assert.InDelta(t, values.ShipValue+values.FittedValue, values.TotalValue, 0.001)
}

func TestCalculate_ContainerContributesZero(t *testing.T) {
	oracle := &fakeOracle{prices: map[int64]float64{
		587:   100,
		11489: 1000000, // container shell price must not count
		34:    2,
	}}
	calc := NewCalculator(oracle)

	parent := int32(0)
	values, err := calc.Calculate(context.Background(), valueTestFull([]models.Item{
		{Seq: 0, ItemTypeID: 11489, QuantityDropped: 1},
		{Seq: 1, ParentSeq: &parent, ItemTypeID: 34, QuantityDropped: 50},
	}))
	require.NoError(t, err)

	assert.Equal(t, 100.0, values.DroppedValue)
	assert.Equal(t, 0.0, values.DestroyedValue)
	assert.Equal(t, 200.0, values.TotalValue)
}

func TestCalculate_BlueprintRules(t *testing.T) {
	oracle := &fakeOracle{
		prices:     map[int64]float64{587: 100, 955: 50000},
		blueprints: map[int64]bool{955: true},
	}
	calc := NewCalculator(oracle)

	t.Run("original is nominal", func(t *testing.T) {
		values, err := calc.Calculate(context.Background(), valueTestFull([]models.Item{
			{Seq: 0, ItemTypeID: 955, Singleton: 0, QuantityDestroyed: 1},
		}))
		require.NoError(t, err)
		assert.Equal(t, 0.01, values.DestroyedValue)
	})

	t.Run("copy is a hundredth", func(t *testing.T) {
		values, err := calc.Calculate(context.Background(), valueTestFull([]models.Item{
			{Seq: 0, ItemTypeID: 955, Singleton: singletonBlueprintCopy, QuantityDestroyed: 1},
		}))
		require.NoError(t, err)
		assert.Equal(t, 500.0, values.DestroyedValue)
	})
}

func TestCalculate_UnknownTypeFallsBackToNominal(t *testing.T) {
	calc := NewCalculator(&fakeOracle{})

	values, err := calc.Calculate(context.Background(), valueTestFull([]models.Item{
		{Seq: 0, ItemTypeID: 999999, QuantityDropped: 100},
	}))
	require.NoError(t, err)

	assert.Equal(t, 0.01, values.ShipValue)
	assert.Equal(t, 1.0, values.DroppedValue)
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.2345))
	assert.Equal(t, 1.24, round2(1.236))
	assert.Equal(t, 0.0, round2(0))
}
