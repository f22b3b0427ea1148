// Package aggregate turns offers, compositions and orders into normalized supply
// and demand lines for the allocation engine.
package aggregate

import (
	"cmp"
	"slices"

	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// SupplyLine is one offer line seen as available capacity for a product.
type SupplyLine struct {
	ProductID       int64           `json:"productId"`
	SupplierID      int64           `json:"supplierId"`
	OfferLineID     int64           `json:"offerLineId"`
	QuantityOffered decimal.Decimal `json:"quantityOffered"`
	ReferencePrice  decimal.Decimal `json:"referencePrice"`
	QuantityBound   decimal.Decimal `json:"quantityBound"`
}

// Remaining is the capacity not yet bound, never negative.
func (s SupplyLine) Remaining() decimal.Decimal {
	r := s.QuantityOffered.Sub(s.QuantityBound)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Supply builds supply lines from offer lines, counting every stored binding
// against its offer line. Output is ordered by product, then offer line id.
func Supply(lines []models.OfferLine, bindings []models.Binding) []SupplyLine {
	bound := make(map[int64]decimal.Decimal, len(lines))
	for _, b := range bindings {
		bound[b.OfferLineID] = bound[b.OfferLineID].Add(b.Quantity)
	}

	out := make([]SupplyLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, SupplyLine{
			ProductID:       l.ProductID,
			SupplierID:      l.SupplierID,
			OfferLineID:     l.ID,
			QuantityOffered: l.Quantity,
			ReferencePrice:  l.ReferencePrice,
			QuantityBound:   bound[l.ID],
		})
	}
	slices.SortFunc(out, func(a, b SupplyLine) int {
		if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return cmp.Compare(a.OfferLineID, b.OfferLineID)
	})
	return out
}

// GroupSupply indexes supply lines by product, keeping their order.
func GroupSupply(lines []SupplyLine) map[int64][]SupplyLine {
	g := make(map[int64][]SupplyLine)
	for _, l := range lines {
		g[l.ProductID] = append(g[l.ProductID], l)
	}
	return g
}
