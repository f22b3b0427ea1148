package coop_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coopcycle/db/memory"
	"coopcycle/internal/coop"
	"coopcycle/internal/settlement"
	"coopcycle/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var admin = coop.Actor{UserID: 1}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	svc     *coop.Service
	clock   *clock
	product *models.Product
	basket  *models.BasketTemplate
	market  *models.Market
	cycle   *models.Cycle
	cm      *models.CycleMarket
}

// newFixture builds a cycle in planning with one basket market expecting
// `baskets` baskets. The offer window closes an hour after "now".
func newFixture(t *testing.T, baskets int, opts ...func(*models.Cycle)) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		svc:   coop.NewService(memory.New(), coop.WithLogger(zap.NewNop()), coop.WithClock(clk.Now)),
		clock: clk,
	}

	f.product = &models.Product{Name: "Carrots", Unit: "kg", ReferencePrice: dec("2")}
	require.NoError(t, f.svc.CreateProduct(f.ctx, f.product))
	f.basket = &models.BasketTemplate{Name: "Family basket"}
	require.NoError(t, f.svc.CreateBasketTemplate(f.ctx, f.basket))
	f.market = &models.Market{Name: "Saturday market", SaleType: models.SaleBasket, AdminFeeRate: dec("0.1")}
	require.NoError(t, f.svc.CreateMarket(f.ctx, f.market))

	now := clk.Now()
	f.cycle = &models.Cycle{
		Name:        "May week 1",
		OfferStart:  now.Add(-time.Hour),
		OfferEnd:    now.Add(time.Hour),
		PickupStart: now.Add(48 * time.Hour),
		PickupEnd:   now.Add(50 * time.Hour),
	}
	for _, o := range opts {
		o(f.cycle)
	}
	require.NoError(t, f.svc.CreateCycle(f.ctx, admin, f.cycle))

	f.cm = &models.CycleMarket{
		CycleID:           f.cycle.ID,
		MarketID:          f.market.ID,
		ServiceOrder:      1,
		BasketCount:       &baskets,
		TargetBasketValue: decimal.NewNullDecimal(dec("10")),
	}
	require.NoError(t, f.svc.AddCycleMarket(f.ctx, admin, f.cm))
	return f
}

func (f *fixture) moveTo(statuses ...models.CycleStatus) {
	f.t.Helper()
	for _, s := range statuses {
		_, err := f.svc.Transition(f.ctx, admin, f.cycle.ID, s)
		require.NoError(f.t, err, "transition to %s", s)
	}
}

func (f *fixture) offer(supplier int64, qty, price string) *models.Offer {
	f.t.Helper()
	o, err := f.svc.UpsertOffer(f.ctx, admin, coop.OfferInput{
		CycleID:    f.cycle.ID,
		SupplierID: supplier,
		Lines:      []coop.OfferLineInput{{ProductID: f.product.ID, Quantity: dec(qty), ReferencePrice: dec(price)}},
	})
	require.NoError(f.t, err)
	return o
}

func (f *fixture) compose(qty string) *models.BasketComposition {
	f.t.Helper()
	c, err := f.svc.UpsertComposition(f.ctx, admin, coop.CompositionInput{
		CycleID:       f.cycle.ID,
		CycleMarketID: f.cm.ID,
		BasketID:      f.basket.ID,
		Lines:         []coop.CompositionLineInput{{ProductID: f.product.ID, Quantity: dec(qty)}},
	})
	require.NoError(f.t, err)
	return c
}

func requireKind(t *testing.T, err error, kind coop.Kind) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, kind), "want %s, got %v", kind, err)
}

func TestTwoEqualOffersSplitDemand(t *testing.T) {
	f := newFixture(t, 3)
	f.moveTo(models.CycleOffering)
	a := f.offer(101, "2", "2")
	b := f.offer(102, "2", "2.5")
	comp := f.compose("1")
	f.moveTo(models.CycleComposing)

	res, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Len(t, res.Bindings, 2)
	require.Equal(t, a.Lines[0].ID, res.Bindings[0].OfferLineID)
	require.True(t, dec("2").Equal(res.Bindings[0].Quantity))
	require.Equal(t, b.Lines[0].ID, res.Bindings[1].OfferLineID)
	require.True(t, dec("1").Equal(res.Bindings[1].Quantity))
	require.True(t, res.TotalShortfall.IsZero())
	require.Len(t, res.Leftovers, 1)
	require.Equal(t, int64(102), res.Leftovers[0].SupplierID)
	require.Equal(t, 2, res.Changes.Created)

	stored, err := f.svc.GetComposition(f.ctx, comp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Lines[0].OfferLineID)
	require.Equal(t, a.Lines[0].ID, *stored.Lines[0].OfferLineID)
	// (2*2 + 1*2.5) / 3
	require.Equal(t, "2.17", stored.Lines[0].UnitValue.Decimal.StringFixed(2))

	supply, err := f.svc.AggregateSupply(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.True(t, dec("2").Equal(supply[0].QuantityBound))
	require.True(t, dec("1").Equal(supply[1].Remaining()))
}

func TestRerunIsIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	f.moveTo(models.CycleOffering)
	f.offer(101, "2", "2")
	f.offer(102, "2", "2")
	f.compose("1")
	f.moveTo(models.CycleComposing)

	first, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	second, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)

	require.True(t, second.Changes.Empty())
	require.Equal(t, 2, second.Changes.Unchanged)
	require.Equal(t, first.Bindings, second.Bindings)

	runs, err := f.svc.ListAllocationRuns(f.ctx, f.cycle.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second.RunID, runs[0].ID)
}

func TestShortfallBlocksCloseUntilAcknowledged(t *testing.T) {
	f := newFixture(t, 10)
	f.moveTo(models.CycleOffering)
	f.offer(101, "4", "1")
	f.offer(102, "2", "1")
	f.compose("1")
	f.moveTo(models.CycleComposing)

	res, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.True(t, dec("6").Equal(res.TotalBound))
	require.True(t, dec("4").Equal(res.TotalShortfall))
	require.Empty(t, res.Leftovers)

	f.moveTo(models.CycleDelivering, models.CycleWithdrawal)
	f.clock.Advance(2 * time.Hour)

	_, err = f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{})
	requireKind(t, err, coop.InvalidState)

	c, err := f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{AcknowledgeShortfall: true})
	require.NoError(t, err)
	require.Equal(t, models.CycleClosed, c.Status)
	require.NotNil(t, c.ShortfallAckAt)
	require.Equal(t, admin.UserID, *c.ShortfallAckBy)
}

func TestStoredAcknowledgmentAllowsClose(t *testing.T) {
	f := newFixture(t, 5)
	f.moveTo(models.CycleOffering)
	f.compose("1")
	f.moveTo(models.CycleComposing, models.CycleDelivering, models.CycleWithdrawal)
	f.clock.Advance(2 * time.Hour)

	_, err := f.svc.AcknowledgeShortfall(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	c, err := f.svc.Transition(f.ctx, admin, f.cycle.ID, models.CycleClosed)
	require.NoError(t, err)
	require.Equal(t, models.CycleClosed, c.Status)
}

func TestCloseWhileOfferWindowOpen(t *testing.T) {
	f := newFixture(t, 1)
	f.moveTo(models.CycleOffering, models.CycleComposing, models.CycleDelivering, models.CycleWithdrawal)

	_, err := f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{AcknowledgeShortfall: true})
	requireKind(t, err, coop.InvalidState)

	c, err := f.svc.GetCycle(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Equal(t, models.CycleWithdrawal, c.Status)
}

func TestSettlementLifecycle(t *testing.T) {
	f := newFixture(t, 3)
	f.moveTo(models.CycleOffering)
	f.offer(101, "2", "2")
	f.offer(102, "2", "2.5")
	comp := f.compose("1")
	_, err := f.svc.Subscribe(f.ctx, admin, coop.SubscriptionInput{
		CycleID: f.cycle.ID, CompositionID: comp.ID, ConsumerID: 900, Quantity: 2,
	})
	require.NoError(t, err)

	_, err = f.svc.GenerateSettlements(f.ctx, admin, f.cycle.ID)
	require.True(t, errors.Is(err, coop.ErrCycleNotClosed), "got %v", err)

	f.moveTo(models.CycleComposing)
	res, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	f.moveTo(models.CycleDelivering, models.CycleWithdrawal)
	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{})
	require.NoError(t, err)

	created, err := f.svc.GenerateSettlements(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, created, 3)
	require.True(t, dec("4").Equal(created[0].TotalValue))
	require.True(t, dec("2.5").Equal(created[1].TotalValue))
	require.Equal(t, models.ConsumerReceivable, created[2].Type)
	require.True(t, dec("20").Equal(created[2].TotalValue))

	_, _, ok := settlement.Reconcile(created, res.Bindings)
	require.True(t, ok)

	_, err = f.svc.GenerateSettlements(f.ctx, admin, f.cycle.ID)
	requireKind(t, err, coop.AlreadySettled)
	all, err := f.svc.ListSettlements(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)

	n, err := f.svc.CancelSettlements(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	again, err := f.svc.GenerateSettlements(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, again, 3)

	paid, err := f.svc.MarkSettlementPaid(f.ctx, admin, again[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.SettlementPaid, paid.Status)
	require.NotNil(t, paid.PaymentDate)

	_, err = f.svc.MarkSettlementPaid(f.ctx, admin, again[0].ID)
	requireKind(t, err, coop.InvalidState)
	_, err = f.svc.CancelSettlements(f.ctx, admin, f.cycle.ID)
	requireKind(t, err, coop.InvalidState)
}

func TestCloseAndSettleInOneStep(t *testing.T) {
	f := newFixture(t, 1)
	f.moveTo(models.CycleOffering)
	f.offer(101, "5", "3")
	f.compose("2")
	f.moveTo(models.CycleComposing)
	_, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	f.moveTo(models.CycleDelivering, models.CycleWithdrawal)
	f.clock.Advance(2 * time.Hour)

	_, err = f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{Settle: true})
	require.NoError(t, err)

	ss, err := f.svc.ListSettlements(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, ss, 1)
	require.Equal(t, models.SupplierPayable, ss[0].Type)
	require.True(t, dec("6").Equal(ss[0].TotalValue))
}

func TestLifecycleGates(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	requireKind(t, err, coop.InvalidState)

	f.moveTo(models.CycleOffering, models.CycleComposing)
	_, err = f.svc.UpsertOffer(f.ctx, admin, coop.OfferInput{CycleID: f.cycle.ID, SupplierID: 101})
	requireKind(t, err, coop.InvalidState)

	_, err = f.svc.Transition(f.ctx, admin, f.cycle.ID, models.CycleOffering)
	requireKind(t, err, coop.InvalidState)

	_, err = f.svc.RunAllocation(f.ctx, admin, 999)
	requireKind(t, err, coop.NotFound)

	c, err := f.svc.Transition(f.ctx, admin, f.cycle.ID, models.CycleCanceled)
	require.NoError(t, err)
	require.Equal(t, models.CycleCanceled, c.Status)
	_, err = f.svc.Transition(f.ctx, admin, f.cycle.ID, models.CycleOffering)
	requireKind(t, err, coop.InvalidState)
}

func TestOrderingInAdditionalItemsWindow(t *testing.T) {
	f := newFixture(t, 1, func(c *models.Cycle) {
		start := c.OfferEnd.Add(time.Hour)
		end := start.Add(2 * time.Hour)
		c.ExtraStart, c.ExtraEnd = &start, &end
	})
	direct := &models.Market{Name: "Shop", SaleType: models.SaleDirect, AdminFeeRate: dec("0.1")}
	require.NoError(t, f.svc.CreateMarket(f.ctx, direct))
	dcm := &models.CycleMarket{CycleID: f.cycle.ID, MarketID: direct.ID, ServiceOrder: 2}
	require.NoError(t, f.svc.AddCycleMarket(f.ctx, admin, dcm))
	require.Equal(t, models.SaleDirect, dcm.SaleType)

	f.moveTo(models.CycleOffering)
	f.offer(101, "5", "2")
	f.offer(102, "5", "1.5")

	order := coop.OrderInput{
		CycleID: f.cycle.ID, CycleMarketID: dcm.ID, ConsumerID: 900,
		Lines: []coop.OrderLineInput{{ProductID: f.product.ID, Quantity: dec("2")}},
	}
	o, err := f.svc.PlaceOrder(f.ctx, admin, order)
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	require.True(t, dec("1.5").Equal(o.Lines[0].OfferPrice))
	require.True(t, dec("1.65").Equal(o.Lines[0].PurchasePrice))

	f.moveTo(models.CycleComposing)
	_, err = f.svc.PlaceOrder(f.ctx, admin, order)
	requireKind(t, err, coop.InvalidState)

	f.clock.Advance(3 * time.Hour)
	order.Lines[0].Quantity = dec("3")
	o, err = f.svc.PlaceOrder(f.ctx, admin, order)
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	require.True(t, dec("3").Equal(o.Lines[0].Quantity))

	o, err = f.svc.FinalizeOrder(f.ctx, admin, o.ID)
	require.NoError(t, err)
	require.True(t, o.Finalized)
	_, err = f.svc.PlaceOrder(f.ctx, admin, order)
	requireKind(t, err, coop.InvalidState)

	demand, err := f.svc.AggregateDemand(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, demand, 1)
	require.Equal(t, models.OriginDirect, demand[0].OriginType)
	require.Equal(t, o.Lines[0].ID, demand[0].OriginID)
	require.True(t, dec("3").Equal(demand[0].Quantity))
}

func TestOfferUpsertKeepsLinePerProduct(t *testing.T) {
	f := newFixture(t, 1)
	f.moveTo(models.CycleOffering)
	first := f.offer(101, "4", "2")
	second := f.offer(101, "6", "1.8")

	require.Equal(t, first.ID, second.ID)
	require.Len(t, second.Lines, 1)
	require.Equal(t, first.Lines[0].ID, second.Lines[0].ID)
	require.True(t, dec("6").Equal(second.Lines[0].Quantity))

	got, err := f.svc.GetOffer(f.ctx, f.cycle.ID, 101)
	require.NoError(t, err)
	require.True(t, dec("1.8").Equal(got.Lines[0].ReferencePrice))

	_, err = f.svc.GetOffer(f.ctx, f.cycle.ID, 555)
	requireKind(t, err, coop.NotFound)
}

func TestBasketCapRollsBackAllocation(t *testing.T) {
	f := newFixture(t, 1)
	capped := &models.Market{
		Name: "Capped", SaleType: models.SaleBasket,
		MaxBasketValue: decimal.NewNullDecimal(dec("5")),
	}
	require.NoError(t, f.svc.CreateMarket(f.ctx, capped))
	one := 1
	ccm := &models.CycleMarket{
		CycleID: f.cycle.ID, MarketID: capped.ID, BasketCount: &one,
		TargetBasketValue: decimal.NewNullDecimal(dec("5")),
	}
	require.NoError(t, f.svc.AddCycleMarket(f.ctx, admin, ccm))

	f.moveTo(models.CycleOffering)
	f.offer(101, "10", "2")
	_, err := f.svc.UpsertComposition(f.ctx, admin, coop.CompositionInput{
		CycleID: f.cycle.ID, CycleMarketID: ccm.ID, BasketID: f.basket.ID,
		Lines: []coop.CompositionLineInput{{ProductID: f.product.ID, Quantity: dec("3")}},
	})
	require.NoError(t, err)
	f.moveTo(models.CycleComposing)

	_, err = f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	requireKind(t, err, coop.ValidationError)

	bindings, err := f.svc.ListBindings(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Empty(t, bindings)
	runs, err := f.svc.ListAllocationRuns(f.ctx, f.cycle.ID, 0)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestForceBind(t *testing.T) {
	f := newFixture(t, 3)
	f.moveTo(models.CycleOffering)
	a := f.offer(101, "2", "2")
	b := f.offer(102, "2", "2.5")
	comp := f.compose("1")
	f.moveTo(models.CycleComposing)
	_, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)

	origin := comp.Lines[0].ID
	_, err = f.svc.ForceBind(f.ctx, admin, coop.ForceBindInput{
		CycleID: f.cycle.ID, OriginType: models.OriginBasket, OriginID: origin,
		OfferLineID: b.Lines[0].ID, Quantity: dec("3"),
	})
	requireKind(t, err, coop.CapacityExceeded)

	res, err := f.svc.ForceBind(f.ctx, admin, coop.ForceBindInput{
		CycleID: f.cycle.ID, OriginType: models.OriginBasket, OriginID: origin,
		OfferLineID: b.Lines[0].ID, Quantity: dec("2"),
	})
	require.NoError(t, err)
	byLine := make(map[int64]models.Binding)
	for _, bd := range res.Bindings {
		byLine[bd.OfferLineID] = bd
	}
	require.True(t, byLine[b.Lines[0].ID].Pinned)
	require.True(t, dec("2").Equal(byLine[b.Lines[0].ID].Quantity))
	require.True(t, dec("1").Equal(byLine[a.Lines[0].ID].Quantity))

	again, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.True(t, again.Changes.Empty())

	_, err = f.svc.ForceBind(f.ctx, admin, coop.ForceBindInput{
		CycleID: f.cycle.ID, OriginType: models.OriginBasket, OriginID: origin,
		OfferLineID: b.Lines[0].ID,
	})
	require.NoError(t, err)
	bindings, err := f.svc.ListBindings(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	for _, bd := range bindings {
		require.False(t, bd.Pinned)
	}
}

func TestConcurrentRunsNeverOversell(t *testing.T) {
	f := newFixture(t, 4)
	f.moveTo(models.CycleOffering)
	f.offer(101, "3", "2")
	f.offer(102, "3", "2")
	f.compose("2")
	f.moveTo(models.CycleComposing)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	supply, err := f.svc.AggregateSupply(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	total := decimal.Zero
	for _, s := range supply {
		require.True(t, s.QuantityBound.LessThanOrEqual(s.QuantityOffered))
		total = total.Add(s.QuantityBound)
	}
	require.True(t, dec("6").Equal(total))

	report, err := f.svc.CycleReport(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.True(t, dec("2").Equal(report.Unmet))
	require.True(t, dec("8").Equal(report.ByProduct[f.product.ID]))
	require.True(t, dec("2").Equal(report.Preview.TotalShortfall))
	require.NotNil(t, report.LastRun)
	require.Empty(t, report.Extra)
}

func TestCompositionEditDropsBindings(t *testing.T) {
	f := newFixture(t, 2)
	other := &models.Product{Name: "Leeks", Unit: "kg", ReferencePrice: dec("3")}
	require.NoError(t, f.svc.CreateProduct(f.ctx, other))
	f.moveTo(models.CycleOffering)
	f.offer(101, "10", "2")
	comp := f.compose("1")
	f.moveTo(models.CycleComposing)
	_, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)

	updated, err := f.svc.UpsertComposition(f.ctx, admin, coop.CompositionInput{
		CycleID: f.cycle.ID, CycleMarketID: f.cm.ID, BasketID: f.basket.ID,
		Lines: []coop.CompositionLineInput{{ProductID: other.ID, Quantity: dec("1")}},
	})
	require.NoError(t, err)
	require.Equal(t, comp.ID, updated.ID)
	require.Len(t, updated.Lines, 1)
	require.True(t, dec("3").Equal(updated.Lines[0].EstimatedUnitValue))

	bindings, err := f.svc.ListBindings(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Empty(t, bindings)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, 1)

	requireKind(t, f.svc.CreateProduct(f.ctx, &models.Product{}), coop.ValidationError)
	requireKind(t, f.svc.CreateMarket(f.ctx, &models.Market{Name: "x", SaleType: "auction"}), coop.ValidationError)

	lot := &models.Market{Name: "Lots", SaleType: models.SaleLot}
	require.NoError(t, f.svc.CreateMarket(f.ctx, lot))
	err := f.svc.AddCycleMarket(f.ctx, admin, &models.CycleMarket{CycleID: f.cycle.ID, MarketID: lot.ID})
	requireKind(t, err, coop.ValidationError)

	err = f.svc.CreateCycle(f.ctx, admin, &models.Cycle{
		Name: "bad", OfferStart: f.clock.Now(), OfferEnd: f.clock.Now().Add(-time.Hour),
	})
	requireKind(t, err, coop.ValidationError)

	f.moveTo(models.CycleOffering)
	_, err = f.svc.UpsertOffer(f.ctx, admin, coop.OfferInput{
		CycleID: f.cycle.ID, SupplierID: 101,
		Lines: []coop.OfferLineInput{{ProductID: 424242, Quantity: dec("1")}},
	})
	requireKind(t, err, coop.ValidationError)
}

func TestLoweringDemandShrinksPinnedBinding(t *testing.T) {
	f := newFixture(t, 3)
	f.moveTo(models.CycleOffering)
	f.offer(101, "2", "2")
	b := f.offer(102, "2", "2.5")
	comp := f.compose("1")
	f.moveTo(models.CycleComposing)
	_, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)

	_, err = f.svc.ForceBind(f.ctx, admin, coop.ForceBindInput{
		CycleID: f.cycle.ID, OriginType: models.OriginBasket, OriginID: comp.Lines[0].ID,
		OfferLineID: b.Lines[0].ID, Quantity: dec("2"),
	})
	require.NoError(t, err)

	lowered := f.compose("0.5")
	require.Equal(t, comp.Lines[0].ID, lowered.Lines[0].ID)

	res, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.True(t, dec("1.5").Equal(res.TotalDemand))
	require.True(t, res.TotalBound.Add(res.TotalShortfall).Equal(res.TotalDemand),
		"bound %s + shortfall %s != demand %s", res.TotalBound, res.TotalShortfall, res.TotalDemand)
	require.True(t, dec("1.5").Equal(res.TotalBound))

	bindings, err := f.svc.ListBindings(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.True(t, bindings[0].Pinned)
	require.Equal(t, b.Lines[0].ID, bindings[0].OfferLineID)
	require.True(t, dec("1.5").Equal(bindings[0].Quantity))

	f.moveTo(models.CycleDelivering, models.CycleWithdrawal)
	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{Settle: true})
	require.NoError(t, err)
	ss, err := f.svc.ListSettlements(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, ss, 1)
	require.Equal(t, int64(102), ss[0].UserID)
	// 1.5 * 2.5
	require.True(t, dec("3.75").Equal(ss[0].TotalValue), ss[0].TotalValue.String())
}

func TestLotHasOneBuyerOfOneLot(t *testing.T) {
	f := newFixture(t, 1)
	lotMarket := &models.Market{Name: "Bulk lots", SaleType: models.SaleLot}
	require.NoError(t, f.svc.CreateMarket(f.ctx, lotMarket))
	lotCM := &models.CycleMarket{
		CycleID:        f.cycle.ID,
		MarketID:       lotMarket.ID,
		ServiceOrder:   2,
		TargetLotValue: decimal.NewNullDecimal(dec("20")),
	}
	require.NoError(t, f.svc.AddCycleMarket(f.ctx, admin, lotCM))

	f.moveTo(models.CycleOffering)
	f.offer(101, "10", "1.5")
	lot, err := f.svc.UpsertComposition(f.ctx, admin, coop.CompositionInput{
		CycleID: f.cycle.ID, CycleMarketID: lotCM.ID, BasketID: f.basket.ID,
		Lines: []coop.CompositionLineInput{{ProductID: f.product.ID, Quantity: dec("10")}},
	})
	require.NoError(t, err)

	subscribe := func(consumer int64, qty int) error {
		_, err := f.svc.Subscribe(f.ctx, admin, coop.SubscriptionInput{
			CycleID: f.cycle.ID, CompositionID: lot.ID, ConsumerID: consumer, Quantity: qty,
		})
		return err
	}
	requireKind(t, subscribe(900, 5), coop.ValidationError)
	require.NoError(t, subscribe(900, 1))
	requireKind(t, subscribe(901, 1), coop.ValidationError)
	require.NoError(t, subscribe(900, 0))
	require.NoError(t, subscribe(901, 1))

	f.moveTo(models.CycleComposing)
	res, err := f.svc.RunAllocation(f.ctx, admin, f.cycle.ID)
	require.NoError(t, err)
	require.True(t, dec("10").Equal(res.TotalBound))

	f.moveTo(models.CycleDelivering, models.CycleWithdrawal)
	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.CloseCycle(f.ctx, admin, f.cycle.ID, coop.CloseOptions{Settle: true})
	require.NoError(t, err)

	ss, err := f.svc.ListSettlements(f.ctx, f.cycle.ID)
	require.NoError(t, err)
	require.Len(t, ss, 2)
	require.Equal(t, models.SupplierPayable, ss[0].Type)
	require.True(t, dec("15").Equal(ss[0].TotalValue))
	require.Equal(t, models.ConsumerReceivable, ss[1].Type)
	require.Equal(t, int64(901), ss[1].UserID)
	require.True(t, dec("20").Equal(ss[1].TotalValue))
	require.NotNil(t, ss[1].MarketID)
	require.Equal(t, lotMarket.ID, *ss[1].MarketID)
}
