package allocation_test

import (
	"testing"

	"coopcycle/internal/aggregate"
	"coopcycle/internal/allocation"
	"coopcycle/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func supplyLine(id, supplier, product int64, qty, price string) aggregate.SupplyLine {
	return aggregate.SupplyLine{
		ProductID:       product,
		SupplierID:      supplier,
		OfferLineID:     id,
		QuantityOffered: dec(qty),
		ReferencePrice:  dec(price),
	}
}

func basketDemand(origin, product, cycleMarket int64, qty string) aggregate.DemandLine {
	return aggregate.DemandLine{
		ProductID:     product,
		MarketID:      cycleMarket * 10,
		CycleMarketID: cycleMarket,
		OriginType:    models.OriginBasket,
		OriginID:      origin,
		Quantity:      dec(qty),
	}
}

func TestTieBreakSplitsAcrossEqualOffers(t *testing.T) {
	supply := []aggregate.SupplyLine{
		supplyLine(11, 200, 7, "2", "6"),
		supplyLine(10, 100, 7, "2", "5"),
	}
	demand := []aggregate.DemandLine{basketDemand(1, 7, 1, "3")}

	res := allocation.Allocate(1, supply, demand, nil)

	require.Len(t, res.Bindings, 2)
	require.Equal(t, int64(10), res.Bindings[0].OfferLineID)
	requireDec(t, "2", res.Bindings[0].Quantity)
	requireDec(t, "5", res.Bindings[0].UnitValue)
	require.Equal(t, int64(11), res.Bindings[1].OfferLineID)
	requireDec(t, "1", res.Bindings[1].Quantity)
	requireDec(t, "6", res.Bindings[1].UnitValue)

	require.Empty(t, res.Shortfalls)
	require.Len(t, res.Leftovers, 1)
	require.Equal(t, int64(200), res.Leftovers[0].SupplierID)
	requireDec(t, "1", res.Leftovers[0].Quantity)
	requireDec(t, "0", res.TotalShortfall)
}

func TestShortfallWhenSupplyShort(t *testing.T) {
	supply := []aggregate.SupplyLine{
		supplyLine(1, 100, 9, "4", "3"),
		supplyLine(2, 200, 9, "2", "3"),
	}
	demand := []aggregate.DemandLine{basketDemand(5, 9, 1, "10")}

	res := allocation.Allocate(1, supply, demand, nil)

	require.Len(t, res.Bindings, 2)
	requireDec(t, "6", res.TotalBound)
	require.Len(t, res.Shortfalls, 1)
	requireDec(t, "4", res.Shortfalls[0].Quantity)
	require.Equal(t, int64(10), res.Shortfalls[0].MarketID)
	require.Empty(t, res.Leftovers)
	requireDec(t, "0", res.TotalLeftover)
}

func TestNoOffersIsFullShortfall(t *testing.T) {
	demand := []aggregate.DemandLine{basketDemand(5, 9, 1, "3"), basketDemand(6, 9, 2, "2")}

	res := allocation.Allocate(1, nil, demand, nil)

	require.Empty(t, res.Bindings)
	require.Len(t, res.Shortfalls, 2)
	requireDec(t, "5", res.TotalShortfall)
	requireDec(t, "5", res.TotalDemand)
}

func TestServiceOrderServedFirst(t *testing.T) {
	supply := []aggregate.SupplyLine{supplyLine(1, 100, 3, "5", "2")}
	first := basketDemand(1, 3, 1, "4")
	first.ServiceOrder = 1
	second := basketDemand(2, 3, 2, "4")
	second.ServiceOrder = 2
	demand := []aggregate.DemandLine{second, first}
	aggregate.SortDemand(demand)

	res := allocation.Allocate(1, supply, demand, nil)

	require.Len(t, res.Bindings, 2)
	require.Equal(t, int64(1), res.Bindings[0].OriginID)
	requireDec(t, "4", res.Bindings[0].Quantity)
	require.Equal(t, int64(2), res.Bindings[1].OriginID)
	requireDec(t, "1", res.Bindings[1].Quantity)
	require.Len(t, res.Shortfalls, 1)
	require.Equal(t, int64(2), res.Shortfalls[0].CycleMarketID)
}

func TestPinnedBindingsConsumeFirst(t *testing.T) {
	supply := []aggregate.SupplyLine{
		supplyLine(10, 100, 7, "2", "5"),
		supplyLine(11, 200, 7, "2", "6"),
	}
	demand := []aggregate.DemandLine{basketDemand(1, 7, 1, "3")}
	pinned := []models.Binding{{
		ID: 99, OriginType: models.OriginBasket, OriginID: 1, ProductID: 7,
		OfferLineID: 11, SupplierID: 200, Quantity: dec("1"), UnitValue: dec("6"), Pinned: true,
	}}

	res := allocation.Allocate(1, supply, demand, pinned)

	require.Len(t, res.Bindings, 2)
	require.Equal(t, int64(99), res.Bindings[0].ID)
	require.Equal(t, int64(10), res.Bindings[1].OfferLineID)
	requireDec(t, "2", res.Bindings[1].Quantity)
	requireDec(t, "3", res.TotalBound)
	require.Len(t, res.Leftovers, 1)
	requireDec(t, "1", res.Leftovers[0].Quantity)
}

func TestDiffKeepsUnchangedRows(t *testing.T) {
	supply := []aggregate.SupplyLine{supplyLine(10, 100, 7, "5", "5")}
	demand := []aggregate.DemandLine{basketDemand(1, 7, 1, "3"), basketDemand(2, 7, 1, "1")}

	first := allocation.Allocate(1, supply, demand, nil)
	stored := make([]models.Binding, len(first.Bindings))
	for i, b := range first.Bindings {
		b.ID = int64(i + 1)
		stored[i] = b
	}

	again := allocation.Allocate(1, supply, demand, nil)
	plan := allocation.Diff(stored, again.Bindings)
	require.True(t, plan.Empty())
	require.Equal(t, 2, plan.Unchanged)

	demand[0].Quantity = dec("4")
	changed := allocation.Allocate(1, supply, demand, nil)
	plan = allocation.Diff(stored, changed.Bindings)
	require.Len(t, plan.Update, 1)
	require.Equal(t, int64(1), plan.Update[0].ID)
	require.Equal(t, 1, plan.Unchanged)

	demand = demand[:1]
	dropped := allocation.Allocate(1, supply, demand, nil)
	plan = allocation.Diff(stored, dropped.Bindings)
	require.Equal(t, []int64{2}, plan.Delete)
}

func TestPinnedBindingShrinksWithDemand(t *testing.T) {
	supply := []aggregate.SupplyLine{
		supplyLine(10, 100, 7, "2", "2"),
		supplyLine(11, 200, 7, "2", "2.5"),
	}
	demand := []aggregate.DemandLine{basketDemand(1, 7, 1, "1.5")}
	pin := models.Binding{
		ID: 99, OriginType: models.OriginBasket, OriginID: 1, ProductID: 7,
		OfferLineID: 11, SupplierID: 200, Quantity: dec("2"), UnitValue: dec("2.5"), Pinned: true,
	}

	res := allocation.Allocate(1, supply, demand, []models.Binding{pin})

	require.Len(t, res.Bindings, 1)
	require.Equal(t, int64(99), res.Bindings[0].ID)
	require.True(t, res.Bindings[0].Pinned)
	requireDec(t, "1.5", res.Bindings[0].Quantity)
	requireDec(t, "1.5", res.TotalDemand)
	requireDec(t, "1.5", res.TotalBound)
	require.True(t, res.TotalShortfall.IsZero())
	requireDec(t, "2.5", res.TotalLeftover)

	plan := allocation.Diff([]models.Binding{pin}, res.Bindings)
	require.Len(t, plan.Update, 1)
	require.Equal(t, int64(99), plan.Update[0].ID)
	require.True(t, plan.Update[0].Pinned)
	requireDec(t, "1.5", plan.Update[0].Quantity)
	require.Empty(t, plan.Delete)
}

func TestPinnedBindingReleasedWithoutDemand(t *testing.T) {
	supply := []aggregate.SupplyLine{supplyLine(10, 100, 7, "2", "2")}
	stored := []models.Binding{
		{ID: 1, OriginType: models.OriginDirect, OriginID: 4, ProductID: 7, OfferLineID: 10, Quantity: dec("1"), Pinned: true},
		{ID: 2, OriginType: models.OriginDirect, OriginID: 5, ProductID: 7, OfferLineID: 10, Quantity: dec("0")},
	}

	res := allocation.Allocate(1, supply, nil, stored[:1])
	require.Empty(t, res.Bindings)
	require.True(t, res.TotalBound.IsZero())

	plan := allocation.Diff(stored, res.Bindings)
	require.Equal(t, []int64{1, 2}, plan.Delete)
}

func TestPinFixesOriginQuantityOnItsLine(t *testing.T) {
	supply := []aggregate.SupplyLine{supplyLine(10, 100, 7, "5", "2")}
	demand := []aggregate.DemandLine{basketDemand(1, 7, 1, "3")}
	pin := models.Binding{
		ID: 7, OriginType: models.OriginBasket, OriginID: 1, ProductID: 7,
		OfferLineID: 10, SupplierID: 100, Quantity: dec("1"), UnitValue: dec("2"), Pinned: true,
	}

	res := allocation.Allocate(1, supply, demand, []models.Binding{pin})

	require.Len(t, res.Bindings, 1)
	requireDec(t, "1", res.Bindings[0].Quantity)
	require.Len(t, res.Shortfalls, 1)
	requireDec(t, "2", res.Shortfalls[0].Quantity)
	requireDec(t, "4", res.TotalLeftover)
}

func TestDiffKeepsUnchangedPins(t *testing.T) {
	stored := []models.Binding{
		{ID: 1, OriginType: models.OriginDirect, OriginID: 4, OfferLineID: 2, Quantity: dec("1"), Pinned: true},
	}
	plan := allocation.Diff(stored, stored)
	require.True(t, plan.Empty())
	require.Equal(t, 1, plan.Unchanged)
}

func TestMergeAppliesPlan(t *testing.T) {
	stored := []models.Binding{
		{ID: 1, OriginType: models.OriginBasket, OriginID: 1, OfferLineID: 10, Quantity: dec("2")},
		{ID: 2, OriginType: models.OriginBasket, OriginID: 2, OfferLineID: 10, Quantity: dec("2")},
	}
	plan := &allocation.Plan{
		Update: []models.Binding{{ID: 1, OriginType: models.OriginBasket, OriginID: 1, OfferLineID: 10, Quantity: dec("3")}},
		Delete: []int64{2},
	}
	created := []models.Binding{{ID: 3, OriginType: models.OriginBasket, OriginID: 3, OfferLineID: 10, Quantity: dec("1")}}

	out := allocation.Merge(stored, plan, created)
	require.Len(t, out, 2)
	requireDec(t, "3", out[0].Quantity)
	require.Equal(t, int64(3), out[1].ID)
}

func TestBasketValueUsesCapturedValues(t *testing.T) {
	opt := int64(50)
	comp := models.BasketComposition{
		ID: 1,
		Lines: []models.CompositionLine{
			{ID: 1, ProductID: 1, Quantity: dec("2"), EstimatedUnitValue: dec("3")},
			{ID: 2, ProductID: 2, Quantity: dec("1"), EstimatedUnitValue: dec("4")},
		},
		Options: []models.CompositionOption{
			{ID: 50, Lines: []models.CompositionLine{{ID: 3, OptionID: &opt, ProductID: 3, Quantity: dec("1"), EstimatedUnitValue: dec("2")}}},
			{ID: 51, Lines: []models.CompositionLine{{ID: 4, ProductID: 4, Quantity: dec("1"), EstimatedUnitValue: dec("5")}}},
		},
	}
	bindings := []models.Binding{
		{OriginType: models.OriginBasket, OriginID: 1, OfferLineID: 1, Quantity: dec("10"), UnitValue: dec("2")},
		{OriginType: models.OriginBasket, OriginID: 1, OfferLineID: 2, Quantity: dec("10"), UnitValue: dec("4")},
	}

	captured := allocation.CapturedUnitValues(bindings)
	requireDec(t, "3", captured[1])
	// 2*3 + 1*4 + max(2, 5)
	requireDec(t, "15", allocation.BasketValue(comp, captured))

	primary := allocation.PrimaryBindings(bindings)
	require.Equal(t, int64(1), primary[1].OfferLineID)
}
