package settlement_test

import (
	"testing"

	"coopcycle/internal/settlement"
	"coopcycle/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func basketInput() settlement.Input {
	count := 2
	return settlement.Input{
		CycleID: 1,
		CycleMarkets: []models.CycleMarket{
			{ID: 1, MarketID: 10, SaleType: models.SaleBasket, BasketCount: &count, TargetBasketValue: decimal.NewNullDecimal(dec("12.50"))},
			{ID: 2, MarketID: 20, SaleType: models.SaleDirect},
		},
		Compositions: []models.BasketComposition{{
			ID: 1, CycleMarketID: 1,
			Lines: []models.CompositionLine{{ID: 100, ProductID: 1, Quantity: dec("2"), EstimatedUnitValue: dec("3")}},
		}},
		Subscriptions: []models.BasketSubscription{
			{ID: 1, CycleMarketID: 1, CompositionID: 1, ConsumerID: 900, Quantity: 2},
		},
		Orders: []models.ConsumerOrder{{
			ID: 1, CycleMarketID: 2, ConsumerID: 900,
			Lines: []models.ConsumerOrderLine{{ID: 200, ProductID: 2, Quantity: dec("3"), OfferPrice: dec("1"), PurchasePrice: dec("1.1")}},
		}, {
			ID: 2, CycleMarketID: 2, ConsumerID: 901,
			Lines: []models.ConsumerOrderLine{{ID: 201, ProductID: 2, Quantity: dec("1"), OfferPrice: dec("1"), PurchasePrice: dec("1.1")}},
		}},
		Bindings: []models.Binding{
			{OriginType: models.OriginBasket, OriginID: 100, OfferLineID: 1, SupplierID: 50, Quantity: dec("4"), UnitValue: dec("2.75")},
			{OriginType: models.OriginDirect, OriginID: 200, OfferLineID: 2, SupplierID: 51, Quantity: dec("2"), UnitValue: dec("1")},
		},
	}
}

func TestGenerateSupplierAndConsumerTotals(t *testing.T) {
	got := settlement.Generate(basketInput(), 7)

	require.Len(t, got, 3)

	require.Equal(t, models.SupplierPayable, got[0].Type)
	require.Equal(t, int64(50), got[0].UserID)
	require.True(t, dec("11").Equal(got[0].TotalValue))
	require.Equal(t, models.SupplierPayable, got[1].Type)
	require.True(t, dec("2").Equal(got[1].TotalValue))

	// 2 baskets at 12.50 plus 2 bound units at 1.10; the unbound order of 901 is skipped
	require.Equal(t, models.ConsumerReceivable, got[2].Type)
	require.Equal(t, int64(900), got[2].UserID)
	require.True(t, dec("27.2").Equal(got[2].TotalValue), got[2].TotalValue.String())

	for _, s := range got {
		require.Equal(t, models.SettlementPending, s.Status)
		require.Equal(t, int64(7), s.CreatedBy)
		require.Equal(t, int64(1), s.CycleID)
	}
}

func TestGenerateSkipsZeroTotals(t *testing.T) {
	in := basketInput()
	in.Subscriptions = nil
	in.Bindings = []models.Binding{
		{OriginType: models.OriginDirect, OriginID: 200, SupplierID: 51, Quantity: dec("1"), UnitValue: dec("0")},
	}
	in.Orders[0].Lines[0].PurchasePrice = dec("0")

	require.Empty(t, settlement.Generate(in, 1))
}

func TestBasketPriceFallsBackToCapturedValue(t *testing.T) {
	in := basketInput()
	in.CycleMarkets[0].TargetBasketValue = decimal.NullDecimal{}
	in.Orders = nil

	got := settlement.Generate(in, 1)

	require.Len(t, got, 3)
	// captured unit value 2.75 x 2 per basket, 2 baskets
	require.Equal(t, models.ConsumerReceivable, got[2].Type)
	require.True(t, dec("11").Equal(got[2].TotalValue), got[2].TotalValue.String())
}

func TestReconcile(t *testing.T) {
	in := basketInput()
	got := settlement.Generate(in, 1)

	payables, bound, ok := settlement.Reconcile(got, in.Bindings)
	require.True(t, ok, "payables %s bound %s", payables, bound)
	require.True(t, dec("13").Equal(bound))

	got[0].Status = models.SettlementCanceled
	_, _, ok = settlement.Reconcile(got, in.Bindings)
	require.False(t, ok)

	sum := settlement.Summary(got)
	require.True(t, dec("2").Equal(sum[models.SupplierPayable]))
}

func TestDirectLineChargedUpToItsQuantity(t *testing.T) {
	in := basketInput()
	in.Subscriptions = nil
	in.Orders[0].Lines[0].Quantity = dec("1")

	got := settlement.Generate(in, 1)

	require.Equal(t, models.ConsumerReceivable, got[len(got)-1].Type)
	require.True(t, dec("1.1").Equal(got[len(got)-1].TotalValue), got[len(got)-1].TotalValue.String())

	in.Orders[0].Lines[0].Quantity = dec("0")
	for _, s := range settlement.Generate(in, 1) {
		require.NotEqual(t, models.ConsumerReceivable, s.Type)
	}
}

func TestLotSubscriptionChargedOnce(t *testing.T) {
	in := basketInput()
	in.CycleMarkets = append(in.CycleMarkets, models.CycleMarket{
		ID: 3, MarketID: 30, SaleType: models.SaleLot, TargetLotValue: decimal.NewNullDecimal(dec("20")),
	})
	in.Compositions = append(in.Compositions, models.BasketComposition{ID: 2, CycleMarketID: 3})
	in.Subscriptions = []models.BasketSubscription{
		{ID: 2, CycleMarketID: 3, CompositionID: 2, ConsumerID: 902, Quantity: 5},
	}

	got := settlement.Generate(in, 1)

	last := got[len(got)-1]
	require.Equal(t, int64(902), last.UserID)
	require.True(t, dec("20").Equal(last.TotalValue), last.TotalValue.String())
}

func TestSettlementMarketSetWhenSingle(t *testing.T) {
	in := basketInput()
	in.Bindings[0].MarketID = 10
	in.Bindings[1].MarketID = 20

	got := settlement.Generate(in, 1)
	require.Len(t, got, 3)

	require.NotNil(t, got[0].MarketID)
	require.Equal(t, int64(10), *got[0].MarketID)
	require.NotNil(t, got[1].MarketID)
	require.Equal(t, int64(20), *got[1].MarketID)
	// consumer 900 buys baskets on market 10 and direct on market 20
	require.Nil(t, got[2].MarketID)

	in.Orders = nil
	got = settlement.Generate(in, 1)
	require.NotNil(t, got[2].MarketID)
	require.Equal(t, int64(10), *got[2].MarketID)
}
