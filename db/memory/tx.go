package memory

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"coopcycle/internal/coop"
	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// tx writes to a private state. The store's transaction mutex stands in for
// row locks, so the lock methods are plain reads.
type tx struct {
	view
	now func() time.Time
}

func (t *tx) LockCycle(ctx context.Context, id int64) (*models.Cycle, error) {
	return t.GetCycle(ctx, id)
}

func (t *tx) LockOfferLines(ctx context.Context, cycleID int64) ([]models.OfferLine, error) {
	return t.ListOfferLines(ctx, cycleID)
}

func (t *tx) CreateProduct(_ context.Context, p *models.Product) error {
	p.ID, p.CreatedAt = t.st.id(), t.now()
	t.st.products[p.ID] = *p
	return nil
}

func (t *tx) CreateBasketTemplate(_ context.Context, b *models.BasketTemplate) error {
	b.ID, b.CreatedAt = t.st.id(), t.now()
	t.st.baskets[b.ID] = *b
	return nil
}

func (t *tx) CreateMarket(_ context.Context, m *models.Market) error {
	m.ID, m.CreatedAt = t.st.id(), t.now()
	t.st.markets[m.ID] = *m
	return nil
}

func (t *tx) CreateCycle(_ context.Context, c *models.Cycle) error {
	c.ID, c.CreatedAt = t.st.id(), t.now()
	c.UpdatedAt = c.CreatedAt
	t.st.cycles[c.ID] = *c
	return nil
}

func (t *tx) UpdateCycle(_ context.Context, c *models.Cycle) error {
	if _, ok := t.st.cycles[c.ID]; !ok {
		return sql.ErrNoRows
	}
	c.UpdatedAt = t.now()
	t.st.cycles[c.ID] = *c
	return nil
}

func (t *tx) UpsertCycleMarket(_ context.Context, cm *models.CycleMarket) error {
	for id, cur := range t.st.cycleMarkets {
		if cur.CycleID == cm.CycleID && cur.MarketID == cm.MarketID {
			cm.ID, cm.CreatedAt = id, cur.CreatedAt
			t.st.cycleMarkets[id] = *cm
			return nil
		}
	}
	cm.ID, cm.CreatedAt = t.st.id(), t.now()
	t.st.cycleMarkets[cm.ID] = *cm
	return nil
}

func (t *tx) UpsertOffer(_ context.Context, o *models.Offer) error {
	now := t.now()
	for id, cur := range t.st.offers {
		if cur.CycleID == o.CycleID && cur.SupplierID == o.SupplierID {
			cur.UpdatedAt = now
			t.st.offers[id] = cur
			o.ID, o.CreatedAt, o.UpdatedAt = id, cur.CreatedAt, now
			return nil
		}
	}
	o.ID, o.CreatedAt, o.UpdatedAt = t.st.id(), now, now
	stored := *o
	stored.Lines = nil
	t.st.offers[o.ID] = stored
	return nil
}

func (t *tx) UpsertOfferLine(_ context.Context, l *models.OfferLine) error {
	now := t.now()
	l.UpdatedAt = now
	for id, cur := range t.st.offerLines {
		if cur.OfferID == l.OfferID && cur.ProductID == l.ProductID {
			l.ID, l.CreatedAt = id, cur.CreatedAt
			t.st.offerLines[id] = *l
			return nil
		}
	}
	l.ID, l.CreatedAt = t.st.id(), now
	t.st.offerLines[l.ID] = *l
	return nil
}

func (t *tx) UpsertComposition(_ context.Context, c *models.BasketComposition) error {
	now := t.now()
	c.ID, c.CreatedAt, c.UpdatedAt = 0, now, now
	for id, cur := range t.st.compositions {
		if cur.CycleID == c.CycleID && cur.BasketID == c.BasketID {
			c.ID, c.CreatedAt = id, cur.CreatedAt
			break
		}
	}
	if c.ID == 0 {
		c.ID = t.st.id()
	}
	stored := *c
	stored.Lines, stored.Options = nil, nil
	t.st.compositions[c.ID] = stored
	return nil
}

func (t *tx) UpsertCompositionOption(_ context.Context, o *models.CompositionOption) error {
	for id, cur := range t.st.options {
		if cur.CompositionID == o.CompositionID && cur.Name == o.Name {
			o.ID = id
			return nil
		}
	}
	o.ID = t.st.id()
	stored := *o
	stored.Lines = nil
	t.st.options[o.ID] = stored
	return nil
}

func sameOption(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (t *tx) UpsertCompositionLine(_ context.Context, l *models.CompositionLine) error {
	for id, cur := range t.st.compLines {
		if cur.CompositionID == l.CompositionID && sameOption(cur.OptionID, l.OptionID) && cur.ProductID == l.ProductID {
			cur.Quantity, cur.EstimatedUnitValue = l.Quantity, l.EstimatedUnitValue
			t.st.compLines[id] = cur
			*l = cur
			return nil
		}
	}
	l.ID, l.CreatedAt = t.st.id(), t.now()
	t.st.compLines[l.ID] = *l
	return nil
}

func (t *tx) DeleteCompositionLines(_ context.Context, compositionID int64, keep []int64) ([]int64, error) {
	var removed []int64
	for id, l := range t.st.compLines {
		if l.CompositionID == compositionID && !slices.Contains(keep, id) {
			removed = append(removed, id)
			delete(t.st.compLines, id)
		}
	}
	slices.Sort(removed)
	return removed, nil
}

// DeleteCompositionOptions also clears the option choice of subscriptions
// that picked a removed option.
func (t *tx) DeleteCompositionOptions(_ context.Context, compositionID int64, keep []int64) error {
	for id, o := range t.st.options {
		if o.CompositionID != compositionID || slices.Contains(keep, id) {
			continue
		}
		delete(t.st.options, id)
		for sid, s := range t.st.subscriptions {
			if s.OptionID != nil && *s.OptionID == id {
				s.OptionID = nil
				t.st.subscriptions[sid] = s
			}
		}
	}
	return nil
}

func (t *tx) SetCompositionLineBinding(_ context.Context, lineID int64, offerLineID *int64, unitValue decimal.NullDecimal) error {
	l, ok := t.st.compLines[lineID]
	if !ok {
		return sql.ErrNoRows
	}
	l.OfferLineID, l.UnitValue = offerLineID, unitValue
	t.st.compLines[lineID] = l
	return nil
}

func (t *tx) UpsertSubscription(_ context.Context, s *models.BasketSubscription) error {
	for id, cur := range t.st.subscriptions {
		if cur.CompositionID == s.CompositionID && cur.ConsumerID == s.ConsumerID {
			s.ID, s.CreatedAt = id, cur.CreatedAt
			t.st.subscriptions[id] = *s
			return nil
		}
	}
	s.ID, s.CreatedAt = t.st.id(), t.now()
	t.st.subscriptions[s.ID] = *s
	return nil
}

func (t *tx) UpsertOrder(_ context.Context, o *models.ConsumerOrder) error {
	now := t.now()
	for id, cur := range t.st.orders {
		if cur.CycleID == o.CycleID && cur.ConsumerID == o.ConsumerID {
			cur.UpdatedAt = now
			t.st.orders[id] = cur
			o.ID, o.CreatedAt, o.UpdatedAt = id, cur.CreatedAt, now
			o.Finalized, o.FinalizedAt = cur.Finalized, cur.FinalizedAt
			return nil
		}
	}
	o.ID, o.CreatedAt, o.UpdatedAt = t.st.id(), now, now
	stored := *o
	stored.Lines = nil
	t.st.orders[o.ID] = stored
	return nil
}

func (t *tx) UpsertOrderLine(_ context.Context, l *models.ConsumerOrderLine) error {
	for id, cur := range t.st.orderLines {
		if cur.OrderID == l.OrderID && cur.ProductID == l.ProductID {
			l.ID, l.CreatedAt = id, cur.CreatedAt
			t.st.orderLines[id] = *l
			return nil
		}
	}
	l.ID, l.CreatedAt = t.st.id(), t.now()
	t.st.orderLines[l.ID] = *l
	return nil
}

func (t *tx) FinalizeOrder(_ context.Context, id int64, at time.Time) error {
	o, ok := t.st.orders[id]
	if !ok {
		return sql.ErrNoRows
	}
	o.Finalized, o.FinalizedAt, o.UpdatedAt = true, &at, t.now()
	t.st.orders[id] = o
	return nil
}

func (t *tx) InsertBindings(_ context.Context, bs []models.Binding) ([]models.Binding, error) {
	now := t.now()
	out := make([]models.Binding, 0, len(bs))
	for _, b := range bs {
		b.ID, b.CreatedAt, b.UpdatedAt = t.st.id(), now, now
		t.st.bindings[b.ID] = b
		out = append(out, b)
	}
	return out, nil
}

func (t *tx) UpdateBindings(_ context.Context, bs []models.Binding) error {
	now := t.now()
	for _, b := range bs {
		cur, ok := t.st.bindings[b.ID]
		if !ok {
			return sql.ErrNoRows
		}
		b.CreatedAt, b.UpdatedAt = cur.CreatedAt, now
		t.st.bindings[b.ID] = b
	}
	return nil
}

func (t *tx) DeleteBindings(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(t.st.bindings, id)
	}
	return nil
}

func (t *tx) DeleteBindingsByOrigin(_ context.Context, origin models.OriginType, originIDs []int64) error {
	for id, b := range t.st.bindings {
		if b.OriginType == origin && slices.Contains(originIDs, b.OriginID) {
			delete(t.st.bindings, id)
		}
	}
	return nil
}

func (t *tx) InsertAllocationRun(_ context.Context, r *models.AllocationRun) error {
	t.st.runs = append(t.st.runs, *r)
	return nil
}

func (t *tx) InsertSettlements(_ context.Context, ss []models.Settlement) ([]models.Settlement, error) {
	now := t.now()
	out := make([]models.Settlement, 0, len(ss))
	for _, s := range ss {
		for _, cur := range t.st.settlements {
			if cur.CycleID == s.CycleID && cur.Type == s.Type && cur.UserID == s.UserID && cur.Status != models.SettlementCanceled {
				return nil, &coop.Error{Kind: coop.AlreadySettled, Msg: "duplicate active settlement"}
			}
		}
		s.ID, s.CreatedAt, s.UpdatedAt = t.st.id(), now, now
		t.st.settlements[s.ID] = s
		out = append(out, s)
	}
	return out, nil
}

func (t *tx) CancelSettlements(_ context.Context, cycleID int64) (int, error) {
	n := 0
	for id, s := range t.st.settlements {
		if s.CycleID == cycleID && s.Status != models.SettlementCanceled {
			s.Status, s.UpdatedAt = models.SettlementCanceled, t.now()
			t.st.settlements[id] = s
			n++
		}
	}
	return n, nil
}

func (t *tx) UpdateSettlementStatus(_ context.Context, id int64, status models.SettlementStatus, paymentDate *time.Time) error {
	s, ok := t.st.settlements[id]
	if !ok {
		return sql.ErrNoRows
	}
	s.Status, s.PaymentDate, s.UpdatedAt = status, paymentDate, t.now()
	t.st.settlements[id] = s
	return nil
}
