package allocation

import (
	"cmp"
	"slices"

	"coopcycle/models"
)

// Plan is the set of writes that turns the stored bindings into the computed ones.
type Plan struct {
	Create    []models.Binding `json:"-"`
	Update    []models.Binding `json:"-"`
	Delete    []int64          `json:"-"`
	Created   int              `json:"created"`
	Updated   int              `json:"updated"`
	Deleted   int              `json:"deleted"`
	Unchanged int              `json:"unchanged"`
}

// Empty reports whether the plan writes nothing.
func (p *Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

type bindingKey struct {
	origin    models.OriginType
	originID  int64
	offerLine int64
}

func keyOf(b models.Binding) bindingKey {
	return bindingKey{origin: b.OriginType, originID: b.OriginID, offerLine: b.OfferLineID}
}

// Diff compares stored bindings with a fresh computation. Rows whose quantity,
// unit value and pin did not change keep their id and are left alone; stored
// rows missing from the computation, pins released by Allocate included, and
// zero-quantity rows are deleted.
func Diff(existing, computed []models.Binding) *Plan {
	stored := make(map[bindingKey]models.Binding, len(existing))
	p := &Plan{}
	for _, b := range existing {
		if !b.Quantity.IsPositive() {
			p.Delete = append(p.Delete, b.ID)
			continue
		}
		stored[keyOf(b)] = b
	}

	seen := make(map[bindingKey]bool, len(computed))
	for _, c := range computed {
		k := keyOf(c)
		seen[k] = true
		old, ok := stored[k]
		switch {
		case !ok:
			p.Create = append(p.Create, c)
		case old.Quantity.Equal(c.Quantity) && old.UnitValue.Equal(c.UnitValue) &&
			old.CycleMarketID == c.CycleMarketID && old.Pinned == c.Pinned:
			p.Unchanged++
		default:
			c.ID = old.ID
			c.CreatedAt = old.CreatedAt
			p.Update = append(p.Update, c)
		}
	}
	for k, b := range stored {
		if !seen[k] {
			p.Delete = append(p.Delete, b.ID)
		}
	}
	slices.Sort(p.Delete)

	p.Created, p.Updated, p.Deleted = len(p.Create), len(p.Update), len(p.Delete)
	return p
}

// Merge applies the plan to the stored bindings in memory, giving the set the
// store holds after the plan is written. Created rows carry the ids in created.
func Merge(existing []models.Binding, p *Plan, created []models.Binding) []models.Binding {
	drop := make(map[int64]bool, len(p.Delete)+len(p.Update))
	for _, id := range p.Delete {
		drop[id] = true
	}
	for _, u := range p.Update {
		drop[u.ID] = true
	}
	out := make([]models.Binding, 0, len(existing)+len(created))
	for _, b := range existing {
		if !drop[b.ID] {
			out = append(out, b)
		}
	}
	out = append(out, p.Update...)
	out = append(out, created...)
	slices.SortFunc(out, func(a, b models.Binding) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
