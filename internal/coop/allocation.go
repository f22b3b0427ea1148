package coop

import (
	"context"
	"time"

	"coopcycle/internal/aggregate"
	"coopcycle/internal/allocation"
	"coopcycle/internal/lifecycle"
	"coopcycle/internal/metrics"
	"coopcycle/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AggregateSupply returns the cycle's offer lines as supply, with the quantity
// currently bound to each. It reads outside any transaction.
func (s *Service) AggregateSupply(ctx context.Context, cycleID int64) ([]aggregate.SupplyLine, error) {
	const op = "aggregate supply"
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, classify(op, err)
	}
	lines, err := s.store.ListOfferLines(ctx, cycleID)
	if err != nil {
		return nil, classify(op, err)
	}
	bindings, err := s.store.ListBindings(ctx, cycleID)
	if err != nil {
		return nil, classify(op, err)
	}
	return aggregate.Supply(lines, bindings), nil
}

// AggregateDemand returns the cycle's demand lines in allocation order.
func (s *Service) AggregateDemand(ctx context.Context, cycleID int64) ([]aggregate.DemandLine, error) {
	const op = "aggregate demand"
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, classify(op, err)
	}
	in, err := loadDemandInput(ctx, s.store, cycleID)
	if err != nil {
		return nil, classify(op, err)
	}
	lines, err := aggregate.Demand(in)
	if err != nil {
		return nil, &Error{Kind: ValidationError, Op: op, Err: err}
	}
	return lines, nil
}

func loadDemandInput(ctx context.Context, r Reader, cycleID int64) (aggregate.DemandInput, error) {
	var (
		in  aggregate.DemandInput
		err error
	)
	if in.CycleMarkets, err = r.ListCycleMarkets(ctx, cycleID); err != nil {
		return in, err
	}
	if in.Compositions, err = r.ListCompositions(ctx, cycleID); err != nil {
		return in, err
	}
	if in.Subscriptions, err = r.ListSubscriptions(ctx, cycleID); err != nil {
		return in, err
	}
	in.Orders, err = r.ListOrders(ctx, cycleID)
	return in, err
}

// unmetDemand is the demand not covered by the stored bindings.
func unmetDemand(in aggregate.DemandInput, bindings []models.Binding) (decimal.Decimal, error) {
	demand, err := aggregate.Demand(in)
	if err != nil {
		return decimal.Zero, &Error{Kind: ValidationError, Err: err}
	}
	bound := make(map[aggregate.OriginKey]decimal.Decimal)
	for _, b := range bindings {
		k := aggregate.OriginKey{Type: b.OriginType, ID: b.OriginID}
		bound[k] = bound[k].Add(b.Quantity)
	}
	missing := decimal.Zero
	for _, d := range demand {
		if gap := d.Quantity.Sub(bound[d.Key()]); gap.IsPositive() {
			missing = missing.Add(gap)
		}
	}
	return missing, nil
}

// RunAllocation recomputes the cycle's bindings and writes only what changed.
// The cycle row and then all of its offer lines are locked for the duration, so
// concurrent runs on one cycle serialize. Nothing is written on failure.
func (s *Service) RunAllocation(ctx context.Context, actor Actor, cycleID int64) (*allocation.Result, error) {
	const op = "run allocation"
	start := s.now()
	var res *allocation.Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, cycleID, lifecycle.OpAllocate); err != nil {
			return err
		}
		var err error
		res, err = s.allocate(ctx, tx, actor, cycleID, start)
		return err
	})
	elapsed := time.Since(start)
	metrics.RecordAllocation(actor.source(), elapsed, err == nil)
	if err != nil {
		s.log.Warn("allocation failed", zap.Int64("cycle", cycleID), zap.Int64("actor", actor.UserID), zap.Error(err))
		return nil, classify(op, err)
	}

	c := res.Changes
	metrics.RecordBindingChanges(c.Created, c.Updated, c.Deleted)
	metrics.SetShortfall(cycleID, res.TotalShortfall.InexactFloat64())
	s.log.Info("allocation run",
		zap.Int64("cycle", cycleID),
		zap.String("run", res.RunID),
		zap.Int64("actor", actor.UserID),
		zap.String("source", actor.source()),
		zap.String("demand", res.TotalDemand.String()),
		zap.String("bound", res.TotalBound.String()),
		zap.String("shortfall", res.TotalShortfall.String()),
		zap.String("leftover", res.TotalLeftover.String()),
		zap.Int("created", c.Created),
		zap.Int("updated", c.Updated),
		zap.Int("deleted", c.Deleted),
		zap.Int("unchanged", c.Unchanged),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// allocate runs inside a transaction that already holds the cycle lock.
func (s *Service) allocate(ctx context.Context, tx Tx, actor Actor, cycleID int64, start time.Time) (*allocation.Result, error) {
	offerLines, err := tx.LockOfferLines(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	in, err := loadDemandInput(ctx, tx, cycleID)
	if err != nil {
		return nil, err
	}
	for i := range in.CycleMarkets {
		if err := validateCycleMarket(&in.CycleMarkets[i]); err != nil {
			return nil, err
		}
	}
	demand, err := aggregate.Demand(in)
	if err != nil {
		return nil, &Error{Kind: ValidationError, Err: err}
	}
	existing, err := tx.ListBindings(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	var pinned []models.Binding
	for _, b := range existing {
		if b.Pinned {
			pinned = append(pinned, b)
		}
	}

	res := allocation.Allocate(cycleID, aggregate.Supply(offerLines, nil), demand, pinned)
	res.RunID = uuid.NewString()
	if err := s.checkBasketCaps(ctx, tx, in, res.Bindings); err != nil {
		return nil, err
	}

	plan := allocation.Diff(existing, res.Bindings)
	for i := range plan.Create {
		plan.Create[i].RunID = res.RunID
	}
	for i := range plan.Update {
		plan.Update[i].RunID = res.RunID
	}
	if err := tx.DeleteBindings(ctx, plan.Delete); err != nil {
		return nil, err
	}
	if err := tx.UpdateBindings(ctx, plan.Update); err != nil {
		return nil, err
	}
	created, err := tx.InsertBindings(ctx, plan.Create)
	if err != nil {
		return nil, err
	}
	res.Bindings = allocation.Merge(existing, plan, created)
	res.Changes = plan

	if err := writeBackCompositions(ctx, tx, in.Compositions, res.Bindings); err != nil {
		return nil, err
	}

	run := &models.AllocationRun{
		ID:             res.RunID,
		CycleID:        cycleID,
		ActorID:        actor.UserID,
		StartedAt:      start,
		FinishedAt:     s.now(),
		TotalDemand:    res.TotalDemand,
		TotalBound:     res.TotalBound,
		TotalShortfall: res.TotalShortfall,
		TotalLeftover:  res.TotalLeftover,
		Created:        plan.Created,
		Updated:        plan.Updated,
		Deleted:        plan.Deleted,
		Unchanged:      plan.Unchanged,
	}
	if err := tx.InsertAllocationRun(ctx, run); err != nil {
		return nil, err
	}
	return res, nil
}

// checkBasketCaps rejects an allocation that prices a basket above its
// market's max basket value.
func (s *Service) checkBasketCaps(ctx context.Context, tx Tx, in aggregate.DemandInput, bindings []models.Binding) error {
	cms := make(map[int64]models.CycleMarket, len(in.CycleMarkets))
	for _, cm := range in.CycleMarkets {
		cms[cm.ID] = cm
	}
	caps := make(map[int64]decimal.NullDecimal)
	captured := allocation.CapturedUnitValues(bindings)
	for _, comp := range in.Compositions {
		cm := cms[comp.CycleMarketID]
		limit, ok := caps[cm.MarketID]
		if !ok {
			m, err := tx.GetMarket(ctx, cm.MarketID)
			if err != nil {
				return err
			}
			limit = m.MaxBasketValue
			caps[cm.MarketID] = limit
		}
		if !limit.Valid {
			continue
		}
		if v := allocation.BasketValue(comp, captured); v.GreaterThan(limit.Decimal) {
			return newError(ValidationError, "", "composition %d is worth %s, above the market cap of %s",
				comp.ID, v.StringFixed(2), limit.Decimal.StringFixed(2))
		}
	}
	return nil
}

// writeBackCompositions stores each composition line's primary binding and
// captured unit value, clearing lines that lost their binding.
func writeBackCompositions(ctx context.Context, tx Tx, comps []models.BasketComposition, bindings []models.Binding) error {
	primary := allocation.PrimaryBindings(bindings)
	captured := allocation.CapturedUnitValues(bindings)
	update := func(l models.CompositionLine) error {
		b, ok := primary[l.ID]
		if !ok {
			if l.OfferLineID == nil && !l.UnitValue.Valid {
				return nil
			}
			return tx.SetCompositionLineBinding(ctx, l.ID, nil, decimal.NullDecimal{})
		}
		value := decimal.NewNullDecimal(captured[l.ID])
		if l.OfferLineID != nil && *l.OfferLineID == b.OfferLineID && l.UnitValue.Valid && l.UnitValue.Decimal.Equal(value.Decimal) {
			return nil
		}
		id := b.OfferLineID
		return tx.SetCompositionLineBinding(ctx, l.ID, &id, value)
	}
	for _, comp := range comps {
		for _, l := range comp.Lines {
			if err := update(l); err != nil {
				return err
			}
		}
		for _, o := range comp.Options {
			for _, l := range o.Lines {
				if err := update(l); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ForceBind pins a quantity of a demand line to an offer line, then re-runs the
// allocation around the pin. The pin may only take capacity nothing else holds.
func (s *Service) ForceBind(ctx context.Context, actor Actor, in ForceBindInput) (*allocation.Result, error) {
	const op = "force bind"
	if in.Quantity.IsNegative() {
		return nil, newError(ValidationError, op, "quantity must not be negative")
	}
	if in.OriginType != models.OriginBasket && in.OriginType != models.OriginDirect {
		return nil, newError(ValidationError, op, "unknown origin type %q", in.OriginType)
	}
	start := s.now()
	var res *allocation.Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, in.CycleID, lifecycle.OpAllocate); err != nil {
			return err
		}
		if err := s.pin(ctx, tx, in); err != nil {
			return err
		}
		var err error
		res, err = s.allocate(ctx, tx, actor, in.CycleID, start)
		return err
	})
	metrics.RecordAllocation("force", time.Since(start), err == nil)
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("binding forced",
		zap.Int64("cycle", in.CycleID),
		zap.String("origin", string(in.OriginType)),
		zap.Int64("originId", in.OriginID),
		zap.Int64("offerLine", in.OfferLineID),
		zap.String("quantity", in.Quantity.String()),
		zap.String("run", res.RunID),
		zap.Int64("actor", actor.UserID))
	return res, nil
}

func (s *Service) pin(ctx context.Context, tx Tx, in ForceBindInput) error {
	offerLines, err := tx.LockOfferLines(ctx, in.CycleID)
	if err != nil {
		return err
	}
	var line *models.OfferLine
	for i := range offerLines {
		if offerLines[i].ID == in.OfferLineID {
			line = &offerLines[i]
			break
		}
	}
	if line == nil {
		return newError(NotFound, "", "offer line %d is not part of cycle %d", in.OfferLineID, in.CycleID)
	}

	demandIn, err := loadDemandInput(ctx, tx, in.CycleID)
	if err != nil {
		return err
	}
	demand, err := aggregate.Demand(demandIn)
	if err != nil {
		return &Error{Kind: ValidationError, Err: err}
	}
	key := aggregate.OriginKey{Type: in.OriginType, ID: in.OriginID}
	var origin *aggregate.DemandLine
	for i := range demand {
		if demand[i].Key() == key {
			origin = &demand[i]
			break
		}
	}
	if origin == nil {
		return newError(NotFound, "", "no demand for %s line %d", in.OriginType, in.OriginID)
	}
	if origin.ProductID != line.ProductID {
		return newError(ValidationError, "", "offer line %d is for product %d, demand is for product %d",
			line.ID, line.ProductID, origin.ProductID)
	}

	existing, err := tx.ListBindings(ctx, in.CycleID)
	if err != nil {
		return err
	}
	var (
		current    *models.Binding
		lineUsed   = decimal.Zero
		originPins = decimal.Zero
	)
	for i, b := range existing {
		same := b.OriginType == in.OriginType && b.OriginID == in.OriginID && b.OfferLineID == in.OfferLineID
		if same {
			current = &existing[i]
			continue
		}
		if b.OfferLineID == in.OfferLineID {
			lineUsed = lineUsed.Add(b.Quantity)
		}
		if b.Pinned && b.OriginType == in.OriginType && b.OriginID == in.OriginID {
			originPins = originPins.Add(b.Quantity)
		}
	}

	if in.Quantity.IsZero() {
		if current == nil {
			return nil
		}
		return tx.DeleteBindings(ctx, []int64{current.ID})
	}
	if remaining := line.Quantity.Sub(lineUsed); in.Quantity.GreaterThan(remaining) {
		return newError(CapacityExceeded, "", "offer line %d has %s left, %s requested",
			line.ID, remaining, in.Quantity)
	}
	if originPins.Add(in.Quantity).GreaterThan(origin.Quantity) {
		return newError(ValidationError, "", "pins for %s line %d would exceed its demand of %s",
			in.OriginType, in.OriginID, origin.Quantity)
	}

	b := models.Binding{
		CycleID:       in.CycleID,
		OriginType:    in.OriginType,
		OriginID:      in.OriginID,
		ProductID:     line.ProductID,
		CycleMarketID: origin.CycleMarketID,
		MarketID:      origin.MarketID,
		OfferLineID:   line.ID,
		SupplierID:    line.SupplierID,
		Quantity:      in.Quantity,
		UnitValue:     line.ReferencePrice,
		Pinned:        true,
	}
	if current != nil {
		b.ID = current.ID
		b.CreatedAt = current.CreatedAt
		return tx.UpdateBindings(ctx, []models.Binding{b})
	}
	_, err = tx.InsertBindings(ctx, []models.Binding{b})
	return err
}
