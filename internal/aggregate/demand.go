package aggregate

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// DemandLine is a required quantity of one product, tagged with the row that
// asked for it so bindings can be written back.
type DemandLine struct {
	ProductID          int64             `json:"productId"`
	MarketID           int64             `json:"marketId"`
	CycleMarketID      int64             `json:"cycleMarketId"`
	OriginType         models.OriginType `json:"originType"`
	OriginID           int64             `json:"originId"`
	CompositionID      int64             `json:"compositionId,omitempty"`
	ConsumerID         int64             `json:"consumerId,omitempty"`
	Quantity           decimal.Decimal   `json:"quantity"`
	EstimatedUnitValue decimal.Decimal   `json:"estimatedUnitValue"`
	ServiceOrder       int               `json:"serviceOrder"`
	CreatedAt          time.Time         `json:"-"`
}

// Key identifies the demand origin.
func (d DemandLine) Key() OriginKey {
	return OriginKey{Type: d.OriginType, ID: d.OriginID}
}

// OriginKey identifies a composition line or an order line.
type OriginKey struct {
	Type models.OriginType
	ID   int64
}

// DemandInput is everything of one cycle the demand side is built from.
type DemandInput struct {
	CycleMarkets  []models.CycleMarket
	Compositions  []models.BasketComposition
	Subscriptions []models.BasketSubscription
	Orders        []models.ConsumerOrder
}

// Demand flattens compositions (base lines and options) and direct orders into
// demand lines ordered by service order, market, product and creation order.
func Demand(in DemandInput) ([]DemandLine, error) {
	markets := make(map[int64]models.CycleMarket, len(in.CycleMarkets))
	for _, cm := range in.CycleMarkets {
		markets[cm.ID] = cm
	}

	subs := make(map[int64][]models.BasketSubscription)
	for _, s := range in.Subscriptions {
		subs[s.CompositionID] = append(subs[s.CompositionID], s)
	}

	var out []DemandLine
	for _, comp := range in.Compositions {
		cm, ok := markets[comp.CycleMarketID]
		if !ok {
			return nil, fmt.Errorf("composition %d: unknown cycle market %d", comp.ID, comp.CycleMarketID)
		}
		if cm.SaleType == models.SaleDirect {
			return nil, fmt.Errorf("composition %d: cycle market %d is direct sale", comp.ID, cm.ID)
		}
		counts, total, err := optionCounts(comp, cm, subs[comp.ID])
		if err != nil {
			return nil, err
		}
		emit := func(l models.CompositionLine, n int) {
			if n <= 0 || !l.Quantity.IsPositive() {
				return
			}
			out = append(out, DemandLine{
				ProductID:          l.ProductID,
				MarketID:           cm.MarketID,
				CycleMarketID:      cm.ID,
				OriginType:         models.OriginBasket,
				OriginID:           l.ID,
				CompositionID:      comp.ID,
				Quantity:           l.Quantity.Mul(decimal.NewFromInt(int64(n))),
				EstimatedUnitValue: l.EstimatedUnitValue,
				ServiceOrder:       cm.ServiceOrder,
				CreatedAt:          l.CreatedAt,
			})
		}
		for _, l := range comp.Lines {
			emit(l, total)
		}
		for _, opt := range comp.Options {
			for _, l := range opt.Lines {
				emit(l, counts[opt.ID])
			}
		}
	}

	for _, o := range in.Orders {
		cm, ok := markets[o.CycleMarketID]
		if !ok {
			return nil, fmt.Errorf("order %d: unknown cycle market %d", o.ID, o.CycleMarketID)
		}
		if cm.SaleType != models.SaleDirect {
			return nil, fmt.Errorf("order %d: cycle market %d is not direct sale", o.ID, cm.ID)
		}
		for _, l := range o.Lines {
			if !l.Quantity.IsPositive() {
				continue
			}
			out = append(out, DemandLine{
				ProductID:          l.ProductID,
				MarketID:           cm.MarketID,
				CycleMarketID:      cm.ID,
				OriginType:         models.OriginDirect,
				OriginID:           l.ID,
				ConsumerID:         o.ConsumerID,
				Quantity:           l.Quantity,
				EstimatedUnitValue: l.OfferPrice,
				ServiceOrder:       cm.ServiceOrder,
				CreatedAt:          l.CreatedAt,
			})
		}
	}

	SortDemand(out)
	return out, nil
}

// SortDemand applies the allocation tie-break order in place.
func SortDemand(lines []DemandLine) {
	slices.SortStableFunc(lines, func(a, b DemandLine) int {
		if c := cmp.Compare(a.ServiceOrder, b.ServiceOrder); c != 0 {
			return c
		}
		if c := cmp.Compare(a.MarketID, b.MarketID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := cmp.Compare(a.OriginType, b.OriginType); c != 0 {
			return c
		}
		return cmp.Compare(a.OriginID, b.OriginID)
	})
}

// optionCounts splits the composition's baskets across its options. Subscribers
// that picked an option get it; the rest fall to the default (lowest id) option.
func optionCounts(comp models.BasketComposition, cm models.CycleMarket, subs []models.BasketSubscription) (map[int64]int, int, error) {
	total := cm.Baskets()
	if cm.SaleType == models.SaleLot {
		return defaultOnly(comp, total), total, nil
	}

	subscribed := 0
	counts := make(map[int64]int, len(comp.Options))
	known := make(map[int64]bool, len(comp.Options))
	for _, o := range comp.Options {
		known[o.ID] = true
	}
	chosen := 0
	for _, s := range subs {
		subscribed += s.Quantity
		if s.OptionID == nil {
			continue
		}
		if !known[*s.OptionID] {
			return nil, 0, fmt.Errorf("subscription %d: option %d not in composition %d", s.ID, *s.OptionID, comp.ID)
		}
		counts[*s.OptionID] += s.Quantity
		chosen += s.Quantity
	}
	if subscribed > total {
		total = subscribed
	}
	if id, ok := defaultOption(comp); ok {
		counts[id] += total - chosen
	}
	return counts, total, nil
}

func defaultOnly(comp models.BasketComposition, n int) map[int64]int {
	counts := make(map[int64]int, 1)
	if id, ok := defaultOption(comp); ok {
		counts[id] = n
	}
	return counts
}

func defaultOption(comp models.BasketComposition) (int64, bool) {
	if len(comp.Options) == 0 {
		return 0, false
	}
	id := comp.Options[0].ID
	for _, o := range comp.Options[1:] {
		if o.ID < id {
			id = o.ID
		}
	}
	return id, true
}

// TotalByProduct sums demand quantity per product.
func TotalByProduct(lines []DemandLine) map[int64]decimal.Decimal {
	t := make(map[int64]decimal.Decimal)
	for _, l := range lines {
		t[l.ProductID] = t[l.ProductID].Add(l.Quantity)
	}
	return t
}
