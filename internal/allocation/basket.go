package allocation

import (
	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// CapturedUnitValues returns, per composition line, the quantity-weighted unit
// value of its bindings.
func CapturedUnitValues(bindings []models.Binding) map[int64]decimal.Decimal {
	qty := make(map[int64]decimal.Decimal)
	val := make(map[int64]decimal.Decimal)
	for _, b := range bindings {
		if b.OriginType != models.OriginBasket || !b.Quantity.IsPositive() {
			continue
		}
		qty[b.OriginID] = qty[b.OriginID].Add(b.Quantity)
		val[b.OriginID] = val[b.OriginID].Add(b.Value())
	}
	out := make(map[int64]decimal.Decimal, len(qty))
	for id, q := range qty {
		out[id] = val[id].Div(q)
	}
	return out
}

// BasketValue is the value of one basket of the composition: base lines plus the
// most expensive option. Unbound lines count at their estimated value.
func BasketValue(comp models.BasketComposition, captured map[int64]decimal.Decimal) decimal.Decimal {
	lineValue := func(l models.CompositionLine) decimal.Decimal {
		unit, ok := captured[l.ID]
		if !ok {
			unit = l.EstimatedUnitValue
		}
		return l.Quantity.Mul(unit)
	}

	total := decimal.Zero
	for _, l := range comp.Lines {
		total = total.Add(lineValue(l))
	}
	worst := decimal.Zero
	for _, o := range comp.Options {
		v := decimal.Zero
		for _, l := range o.Lines {
			v = v.Add(lineValue(l))
		}
		if v.GreaterThan(worst) {
			worst = v
		}
	}
	return total.Add(worst)
}

// PrimaryBindings picks, per composition line, the binding written back onto the
// line: the largest quantity, then the lowest offer line id.
func PrimaryBindings(bindings []models.Binding) map[int64]models.Binding {
	out := make(map[int64]models.Binding)
	for _, b := range bindings {
		if b.OriginType != models.OriginBasket {
			continue
		}
		cur, ok := out[b.OriginID]
		if !ok || b.Quantity.GreaterThan(cur.Quantity) ||
			(b.Quantity.Equal(cur.Quantity) && b.OfferLineID < cur.OfferLineID) {
			out[b.OriginID] = b
		}
	}
	return out
}
