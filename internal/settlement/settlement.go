// Package settlement turns the resolved allocation of a closed cycle into
// supplier payables and consumer receivables.
package settlement

import (
	"cmp"
	"slices"

	"coopcycle/internal/allocation"
	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// Places settlement totals are rounded to.
const Places = 2

// Input is the closed cycle's allocation and the demand it resolved.
type Input struct {
	CycleID       int64
	CycleMarkets  []models.CycleMarket
	Compositions  []models.BasketComposition
	Subscriptions []models.BasketSubscription
	Orders        []models.ConsumerOrder
	Bindings      []models.Binding
}

// Generate builds one supplier payable per supplier with bound quantity and one
// consumer receivable per consumer with bound direct lines or subscriptions.
// A record carries its market when everything in it was sold on one market.
// Zero totals produce no record. Output is ordered by type, then user id.
func Generate(in Input, createdBy int64) []models.Settlement {
	markets := make(map[int64]models.CycleMarket, len(in.CycleMarkets))
	for _, cm := range in.CycleMarkets {
		markets[cm.ID] = cm
	}

	payable := newTally()
	for _, b := range in.Bindings {
		if b.Quantity.IsPositive() {
			payable.add(b.SupplierID, b.MarketID, b.Value())
		}
	}

	receivable := newTally()
	directTotals(receivable, markets, in.Orders, in.Bindings)
	basketTotals(receivable, markets, in)

	out := payable.drafts(in.CycleID, models.SupplierPayable, createdBy)
	out = append(out, receivable.drafts(in.CycleID, models.ConsumerReceivable, createdBy)...)
	return out
}

// directTotals prices the bound quantity of every order line at its purchase
// price. Bindings beyond the line's current quantity are not charged.
func directTotals(t *tally, markets map[int64]models.CycleMarket, orders []models.ConsumerOrder, bindings []models.Binding) {
	bound := make(map[int64]decimal.Decimal)
	for _, b := range bindings {
		if b.OriginType == models.OriginDirect {
			bound[b.OriginID] = bound[b.OriginID].Add(b.Quantity)
		}
	}
	for _, o := range orders {
		for _, l := range o.Lines {
			q := decimal.Min(bound[l.ID], l.Quantity)
			if !q.IsPositive() {
				continue
			}
			t.add(o.ConsumerID, markets[o.CycleMarketID].MarketID, q.Mul(l.PurchasePrice))
		}
	}
}

// basketTotals prices subscriptions at the cycle market's target value, falling
// back to the captured basket value when no target is set. A lot is sold once.
func basketTotals(t *tally, markets map[int64]models.CycleMarket, in Input) {
	comps := make(map[int64]models.BasketComposition, len(in.Compositions))
	for _, c := range in.Compositions {
		comps[c.ID] = c
	}
	captured := allocation.CapturedUnitValues(in.Bindings)

	for _, s := range in.Subscriptions {
		if s.Quantity <= 0 {
			continue
		}
		cm := markets[s.CycleMarketID]
		unit, ok := BasketPrice(cm, comps[s.CompositionID], captured)
		if !ok {
			continue
		}
		n := s.Quantity
		if cm.SaleType == models.SaleLot {
			n = 1
		}
		t.add(s.ConsumerID, cm.MarketID, unit.Mul(decimal.NewFromInt(int64(n))))
	}
}

// BasketPrice is what a consumer pays for one basket (or lot) of comp.
func BasketPrice(cm models.CycleMarket, comp models.BasketComposition, captured map[int64]decimal.Decimal) (decimal.Decimal, bool) {
	switch cm.SaleType {
	case models.SaleBasket:
		if cm.TargetBasketValue.Valid {
			return cm.TargetBasketValue.Decimal, true
		}
	case models.SaleLot:
		if cm.TargetLotValue.Valid {
			return cm.TargetLotValue.Decimal, true
		}
	default:
		return decimal.Zero, false
	}
	if comp.ID == 0 {
		return decimal.Zero, false
	}
	return allocation.BasketValue(comp, captured), true
}

// tally sums values per user and remembers the market when there is only one.
type tally struct {
	total  map[int64]decimal.Decimal
	market map[int64]int64
	mixed  map[int64]bool
}

func newTally() *tally {
	return &tally{
		total:  make(map[int64]decimal.Decimal),
		market: make(map[int64]int64),
		mixed:  make(map[int64]bool),
	}
}

func (t *tally) add(user, marketID int64, v decimal.Decimal) {
	if m, ok := t.market[user]; ok && m != marketID {
		t.mixed[user] = true
	}
	t.market[user] = marketID
	t.total[user] = t.total[user].Add(v)
}

func (t *tally) marketOf(user int64) *int64 {
	m := t.market[user]
	if t.mixed[user] || m == 0 {
		return nil
	}
	return &m
}

func (t *tally) drafts(cycleID int64, typ models.SettlementType, createdBy int64) []models.Settlement {
	out := make([]models.Settlement, 0, len(t.total))
	for user, v := range t.total {
		v = v.Round(Places)
		if v.IsZero() {
			continue
		}
		out = append(out, models.Settlement{
			CycleID:    cycleID,
			MarketID:   t.marketOf(user),
			UserID:     user,
			Type:       typ,
			Status:     models.SettlementPending,
			TotalValue: v,
			CreatedBy:  createdBy,
		})
	}
	slices.SortFunc(out, func(a, b models.Settlement) int {
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out
}

// Reconcile checks that supplier payables sum to the bound value of the
// allocation, within rounding.
func Reconcile(settlements []models.Settlement, bindings []models.Binding) (payables, bound decimal.Decimal, ok bool) {
	for _, s := range settlements {
		if s.Type == models.SupplierPayable && Active(s) {
			payables = payables.Add(s.TotalValue)
		}
	}
	perSupplier := make(map[int64]decimal.Decimal)
	for _, b := range bindings {
		perSupplier[b.SupplierID] = perSupplier[b.SupplierID].Add(b.Value())
	}
	for _, v := range perSupplier {
		bound = bound.Add(v.Round(Places))
	}
	return payables, bound, payables.Equal(bound)
}

// Summary sums active settlements by type.
func Summary(settlements []models.Settlement) map[models.SettlementType]decimal.Decimal {
	m := make(map[models.SettlementType]decimal.Decimal, 2)
	for _, s := range settlements {
		if !Active(s) {
			continue
		}
		m[s.Type] = m[s.Type].Add(s.TotalValue)
	}
	return m
}

// Active reports whether s still counts as a financial record of its cycle.
func Active(s models.Settlement) bool {
	return s.Status != models.SettlementCanceled
}
