// Package allocation binds demand lines to offer lines without exceeding any
// offer line's quantity.
package allocation

import (
	"cmp"
	"slices"

	"coopcycle/internal/aggregate"
	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// Shortfall is demand left unmet for a product in one cycle market.
type Shortfall struct {
	ProductID     int64           `json:"productId"`
	MarketID      int64           `json:"marketId"`
	CycleMarketID int64           `json:"cycleMarketId"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// Leftover is supplier capacity nobody asked for.
type Leftover struct {
	ProductID  int64           `json:"productId"`
	SupplierID int64           `json:"supplierId"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// Result is the outcome of one allocation pass.
type Result struct {
	RunID          string           `json:"runId,omitempty"`
	Bindings       []models.Binding `json:"bindings"`
	Shortfalls     []Shortfall      `json:"shortfalls"`
	Leftovers      []Leftover       `json:"leftovers"`
	TotalDemand    decimal.Decimal  `json:"totalDemand"`
	TotalBound     decimal.Decimal  `json:"totalBound"`
	TotalShortfall decimal.Decimal  `json:"totalShortfall"`
	TotalLeftover  decimal.Decimal  `json:"totalLeftover"`
	Changes        *Plan            `json:"changes,omitempty"`
}

type slot struct {
	line      aggregate.SupplyLine
	remaining decimal.Decimal
}

// Allocate runs the greedy pass. Offer lines of a product are taken in order of
// remaining capacity (descending, then id ascending); demand lines are walked in
// the order given. Pinned bindings are honored first, clamped to the demand
// still open on their origin and to their offer line's quantity; a pin left
// with nothing is released. QuantityBound on the supply lines is ignored: every
// non-pinned binding is recomputed from scratch.
func Allocate(cycleID int64, supply []aggregate.SupplyLine, demand []aggregate.DemandLine, pinned []models.Binding) *Result {
	pins := clampPins(supply, demand, pinned)

	pinnedByLine := make(map[int64]decimal.Decimal)
	pinnedByOrigin := make(map[aggregate.OriginKey]decimal.Decimal)
	pinnedPair := make(map[pairKey]bool, len(pins))
	for _, p := range pins {
		k := aggregate.OriginKey{Type: p.OriginType, ID: p.OriginID}
		pinnedByLine[p.OfferLineID] = pinnedByLine[p.OfferLineID].Add(p.Quantity)
		pinnedByOrigin[k] = pinnedByOrigin[k].Add(p.Quantity)
		pinnedPair[pairKey{origin: k, offerLine: p.OfferLineID}] = true
	}

	slots := make(map[int64][]*slot)
	for product, lines := range aggregate.GroupSupply(supply) {
		ss := make([]*slot, 0, len(lines))
		for _, s := range lines {
			ss = append(ss, &slot{line: s, remaining: s.QuantityOffered.Sub(pinnedByLine[s.OfferLineID])})
		}
		slices.SortStableFunc(ss, func(a, b *slot) int {
			if c := b.remaining.Cmp(a.remaining); c != 0 {
				return c
			}
			return cmp.Compare(a.line.OfferLineID, b.line.OfferLineID)
		})
		slots[product] = ss
	}

	res := &Result{}
	res.Bindings = append(res.Bindings, pins...)
	for _, p := range pins {
		res.TotalBound = res.TotalBound.Add(p.Quantity)
	}

	cursor := make(map[int64]int)
	short := make(map[[2]int64]*Shortfall)
	var shortOrder [][2]int64

	for _, d := range demand {
		res.TotalDemand = res.TotalDemand.Add(d.Quantity)
		need := d.Quantity.Sub(pinnedByOrigin[d.Key()])
		if !need.IsPositive() {
			continue
		}

		ss := slots[d.ProductID]
		i := cursor[d.ProductID]
		for j := i; need.IsPositive() && j < len(ss); j++ {
			s := ss[j]
			// the origin's pinned row on this line is never grown
			if pinnedPair[pairKey{origin: d.Key(), offerLine: s.line.OfferLineID}] {
				continue
			}
			take := decimal.Min(need, s.remaining)
			if !take.IsPositive() {
				continue
			}
			res.Bindings = append(res.Bindings, models.Binding{
				CycleID:       cycleID,
				OriginType:    d.OriginType,
				OriginID:      d.OriginID,
				ProductID:     d.ProductID,
				CycleMarketID: d.CycleMarketID,
				MarketID:      d.MarketID,
				OfferLineID:   s.line.OfferLineID,
				SupplierID:    s.line.SupplierID,
				Quantity:      take,
				UnitValue:     s.line.ReferencePrice,
			})
			s.remaining = s.remaining.Sub(take)
			need = need.Sub(take)
			res.TotalBound = res.TotalBound.Add(take)
		}
		for i < len(ss) && !ss[i].remaining.IsPositive() {
			i++
		}
		cursor[d.ProductID] = i

		if need.IsPositive() {
			k := [2]int64{d.ProductID, d.CycleMarketID}
			sf, ok := short[k]
			if !ok {
				sf = &Shortfall{ProductID: d.ProductID, MarketID: d.MarketID, CycleMarketID: d.CycleMarketID}
				short[k] = sf
				shortOrder = append(shortOrder, k)
			}
			sf.Quantity = sf.Quantity.Add(need)
			res.TotalShortfall = res.TotalShortfall.Add(need)
		}
	}

	for _, k := range shortOrder {
		res.Shortfalls = append(res.Shortfalls, *short[k])
	}
	res.Leftovers = leftovers(slots)
	for _, l := range res.Leftovers {
		res.TotalLeftover = res.TotalLeftover.Add(l.Quantity)
	}
	return res
}

type pairKey struct {
	origin    aggregate.OriginKey
	offerLine int64
}

// clampPins trims pins, oldest first, so that no origin is pinned beyond its
// demand and no offer line beyond its quantity. Pins trimmed to zero are
// dropped; the others keep their id.
func clampPins(supply []aggregate.SupplyLine, demand []aggregate.DemandLine, pinned []models.Binding) []models.Binding {
	if len(pinned) == 0 {
		return nil
	}
	open := make(map[aggregate.OriginKey]decimal.Decimal, len(demand))
	for _, d := range demand {
		open[d.Key()] = open[d.Key()].Add(d.Quantity)
	}
	capacity := make(map[int64]decimal.Decimal, len(supply))
	for _, s := range supply {
		capacity[s.OfferLineID] = capacity[s.OfferLineID].Add(s.QuantityOffered)
	}

	ordered := slices.Clone(pinned)
	slices.SortStableFunc(ordered, func(a, b models.Binding) int {
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.OfferLineID, b.OfferLineID)
	})

	out := make([]models.Binding, 0, len(ordered))
	for _, p := range ordered {
		k := aggregate.OriginKey{Type: p.OriginType, ID: p.OriginID}
		q := decimal.Min(p.Quantity, open[k], capacity[p.OfferLineID])
		if !q.IsPositive() {
			continue
		}
		open[k] = open[k].Sub(q)
		capacity[p.OfferLineID] = capacity[p.OfferLineID].Sub(q)
		p.Quantity = q
		out = append(out, p)
	}
	return out
}

func leftovers(slots map[int64][]*slot) []Leftover {
	sum := make(map[[2]int64]decimal.Decimal)
	for _, ss := range slots {
		for _, s := range ss {
			if s.remaining.IsPositive() {
				k := [2]int64{s.line.SupplierID, s.line.ProductID}
				sum[k] = sum[k].Add(s.remaining)
			}
		}
	}
	out := make([]Leftover, 0, len(sum))
	for k, q := range sum {
		out = append(out, Leftover{SupplierID: k[0], ProductID: k[1], Quantity: q})
	}
	slices.SortFunc(out, func(a, b Leftover) int {
		if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return cmp.Compare(a.SupplierID, b.SupplierID)
	})
	return out
}

// BoundByOfferLine sums binding quantities per offer line.
func BoundByOfferLine(bindings []models.Binding) map[int64]decimal.Decimal {
	m := make(map[int64]decimal.Decimal)
	for _, b := range bindings {
		m[b.OfferLineID] = m[b.OfferLineID].Add(b.Quantity)
	}
	return m
}
