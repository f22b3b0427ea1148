package coop

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"coopcycle/internal/lifecycle"
	"coopcycle/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UpsertComposition replaces the contents of the basket composition of
// (cycle, basket). Lines and options not in the input are removed together
// with their bindings.
func (s *Service) UpsertComposition(ctx context.Context, actor Actor, in CompositionInput) (*models.BasketComposition, error) {
	const op = "upsert composition"
	if err := validateComposition(in); err != nil {
		return nil, classify(op, err)
	}

	var comp *models.BasketComposition
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, in.CycleID, lifecycle.OpEditComposition); err != nil {
			return err
		}
		cm, err := tx.GetCycleMarket(ctx, in.CycleMarketID)
		if err != nil {
			return err
		}
		if cm.CycleID != in.CycleID {
			return newError(ValidationError, "", "cycle market %d is not part of cycle %d", cm.ID, in.CycleID)
		}
		if cm.SaleType == models.SaleDirect {
			return newError(ValidationError, "", "cycle market %d sells directly, not baskets", cm.ID)
		}
		if _, err := tx.GetBasketTemplate(ctx, in.BasketID); err != nil {
			return err
		}

		c := &models.BasketComposition{CycleID: in.CycleID, CycleMarketID: cm.ID, BasketID: in.BasketID}
		if err := tx.UpsertComposition(ctx, c); err != nil {
			return err
		}

		var keepLines, keepOptions []int64
		save := func(optionID *int64, li CompositionLineInput) error {
			p, err := tx.GetProduct(ctx, li.ProductID)
			if errors.Is(err, sql.ErrNoRows) {
				return newError(ValidationError, "", "unknown product %d", li.ProductID)
			}
			if err != nil {
				return err
			}
			est := li.EstimatedUnitValue
			if est.IsZero() {
				est = p.ReferencePrice
			}
			l := &models.CompositionLine{
				CompositionID:      c.ID,
				OptionID:           optionID,
				ProductID:          li.ProductID,
				Quantity:           li.Quantity,
				EstimatedUnitValue: est,
			}
			if err := tx.UpsertCompositionLine(ctx, l); err != nil {
				return err
			}
			keepLines = append(keepLines, l.ID)
			return nil
		}

		for _, li := range in.Lines {
			if err := save(nil, li); err != nil {
				return err
			}
		}
		for _, oi := range in.Options {
			o := &models.CompositionOption{CompositionID: c.ID, Name: strings.TrimSpace(oi.Name)}
			if err := tx.UpsertCompositionOption(ctx, o); err != nil {
				return err
			}
			keepOptions = append(keepOptions, o.ID)
			for _, li := range oi.Lines {
				if err := save(&o.ID, li); err != nil {
					return err
				}
			}
		}

		removed, err := tx.DeleteCompositionLines(ctx, c.ID, keepLines)
		if err != nil {
			return err
		}
		if err := tx.DeleteBindingsByOrigin(ctx, models.OriginBasket, removed); err != nil {
			return err
		}
		if err := tx.DeleteCompositionOptions(ctx, c.ID, keepOptions); err != nil {
			return err
		}
		comp, err = tx.GetComposition(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("composition saved",
		zap.Int64("cycle", in.CycleID),
		zap.Int64("composition", comp.ID),
		zap.Int("lines", len(comp.Lines)),
		zap.Int("options", len(comp.Options)),
		zap.Int64("actor", actor.UserID))
	return comp, nil
}

func validateComposition(in CompositionInput) error {
	checkLines := func(where string, lines []CompositionLineInput) error {
		seen := make(map[int64]bool, len(lines))
		for _, l := range lines {
			switch {
			case seen[l.ProductID]:
				return newError(ValidationError, "", "%s lists product %d twice", where, l.ProductID)
			case !l.Quantity.IsPositive():
				return newError(ValidationError, "", "%s: quantity of product %d must be positive", where, l.ProductID)
			case l.EstimatedUnitValue.IsNegative():
				return newError(ValidationError, "", "%s: estimated value of product %d must not be negative", where, l.ProductID)
			}
			seen[l.ProductID] = true
		}
		return nil
	}

	if err := checkLines("composition", in.Lines); err != nil {
		return err
	}
	names := make(map[string]bool, len(in.Options))
	for _, o := range in.Options {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			return newError(ValidationError, "", "option name is required")
		}
		if names[name] {
			return newError(ValidationError, "", "option %q listed twice", name)
		}
		names[name] = true
		if len(o.Lines) == 0 {
			return newError(ValidationError, "", "option %q has no lines", name)
		}
		if err := checkLines("option "+name, o.Lines); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe sets how many baskets of a composition a consumer takes.
func (s *Service) Subscribe(ctx context.Context, actor Actor, in SubscriptionInput) (*models.BasketSubscription, error) {
	const op = "subscribe"
	if in.ConsumerID <= 0 {
		return nil, newError(ValidationError, op, "consumer is required")
	}
	if in.Quantity < 0 {
		return nil, newError(ValidationError, op, "quantity must not be negative")
	}

	sub := &models.BasketSubscription{
		CycleID:       in.CycleID,
		CompositionID: in.CompositionID,
		ConsumerID:    in.ConsumerID,
		Quantity:      in.Quantity,
		OptionID:      in.OptionID,
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, in.CycleID, lifecycle.OpOrder); err != nil {
			return err
		}
		comp, err := tx.GetComposition(ctx, in.CompositionID)
		if err != nil {
			return err
		}
		if comp.CycleID != in.CycleID {
			return newError(NotFound, "", "composition %d is not part of cycle %d", comp.ID, in.CycleID)
		}
		if in.OptionID != nil && !hasOption(comp, *in.OptionID) {
			return newError(ValidationError, "", "option %d is not part of composition %d", *in.OptionID, comp.ID)
		}
		cm, err := tx.GetCycleMarket(ctx, comp.CycleMarketID)
		if err != nil {
			return err
		}
		if cm.SaleType == models.SaleLot {
			if err := checkLotSubscription(ctx, tx, comp, in); err != nil {
				return err
			}
		}
		sub.CycleMarketID = comp.CycleMarketID
		return tx.UpsertSubscription(ctx, sub)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("subscription saved",
		zap.Int64("cycle", in.CycleID),
		zap.Int64("composition", in.CompositionID),
		zap.Int64("consumer", in.ConsumerID),
		zap.Int("quantity", in.Quantity),
		zap.Int64("actor", actor.UserID))
	return sub, nil
}

// checkLotSubscription keeps a lot to a single buyer of a single lot, which is
// all the demand side ever allocates for it.
func checkLotSubscription(ctx context.Context, r Reader, comp *models.BasketComposition, in SubscriptionInput) error {
	if in.Quantity > 1 {
		return newError(ValidationError, "", "composition %d is a lot; at most one can be taken", comp.ID)
	}
	subs, err := r.ListSubscriptions(ctx, in.CycleID)
	if err != nil {
		return err
	}
	for _, s := range subs {
		if s.CompositionID == comp.ID && s.ConsumerID != in.ConsumerID && s.Quantity > 0 {
			return newError(ValidationError, "", "lot %d is already taken by consumer %d", comp.ID, s.ConsumerID)
		}
	}
	return nil
}

func hasOption(comp *models.BasketComposition, id int64) bool {
	for _, o := range comp.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// PlaceOrder creates or updates a consumer's direct order. Each line captures
// the lowest offered reference price of its product and a purchase price that
// adds the market's administrative fee.
func (s *Service) PlaceOrder(ctx context.Context, actor Actor, in OrderInput) (*models.ConsumerOrder, error) {
	const op = "place order"
	if in.ConsumerID <= 0 {
		return nil, newError(ValidationError, op, "consumer is required")
	}
	seen := make(map[int64]bool, len(in.Lines))
	for _, l := range in.Lines {
		if seen[l.ProductID] {
			return nil, newError(ValidationError, op, "product %d listed twice", l.ProductID)
		}
		if l.Quantity.IsNegative() {
			return nil, newError(ValidationError, op, "quantity of product %d must not be negative", l.ProductID)
		}
		seen[l.ProductID] = true
	}

	var order *models.ConsumerOrder
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, in.CycleID, lifecycle.OpOrder); err != nil {
			return err
		}
		cm, err := tx.GetCycleMarket(ctx, in.CycleMarketID)
		if err != nil {
			return err
		}
		if cm.CycleID != in.CycleID || cm.SaleType != models.SaleDirect {
			return newError(ValidationError, "", "cycle market %d takes no direct orders in cycle %d", cm.ID, in.CycleID)
		}
		market, err := tx.GetMarket(ctx, cm.MarketID)
		if err != nil {
			return err
		}

		existing, err := tx.FindOrder(ctx, in.CycleID, in.ConsumerID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case existing.Finalized:
			return newError(InvalidState, "", "order %d is finalized", existing.ID)
		case existing.CycleMarketID != cm.ID:
			return newError(ValidationError, "", "consumer %d already orders in cycle market %d", in.ConsumerID, existing.CycleMarketID)
		}

		offerLines, err := tx.ListOfferLines(ctx, in.CycleID)
		if err != nil {
			return err
		}
		prices := lowestPrices(offerLines)

		o := &models.ConsumerOrder{CycleID: in.CycleID, CycleMarketID: cm.ID, ConsumerID: in.ConsumerID}
		if err := tx.UpsertOrder(ctx, o); err != nil {
			return err
		}
		markup := decimal.NewFromInt(1).Add(market.AdminFeeRate)
		for _, li := range in.Lines {
			price, ok := prices[li.ProductID]
			if !ok {
				return newError(ValidationError, "", "product %d is not offered in cycle %d", li.ProductID, in.CycleID)
			}
			line := &models.ConsumerOrderLine{
				OrderID:       o.ID,
				ProductID:     li.ProductID,
				Quantity:      li.Quantity,
				OfferPrice:    price,
				PurchasePrice: price.Mul(markup).Round(2),
			}
			if err := tx.UpsertOrderLine(ctx, line); err != nil {
				return err
			}
		}
		order, err = tx.GetOrder(ctx, o.ID)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("order saved",
		zap.Int64("cycle", in.CycleID),
		zap.Int64("order", order.ID),
		zap.Int64("consumer", in.ConsumerID),
		zap.Int("lines", len(order.Lines)),
		zap.Int64("actor", actor.UserID))
	return order, nil
}

func lowestPrices(lines []models.OfferLine) map[int64]decimal.Decimal {
	m := make(map[int64]decimal.Decimal)
	for _, l := range lines {
		if !l.Quantity.IsPositive() {
			continue
		}
		if p, ok := m[l.ProductID]; !ok || l.ReferencePrice.LessThan(p) {
			m[l.ProductID] = l.ReferencePrice
		}
	}
	return m
}

// FinalizeOrder freezes a direct order. Finalizing twice is a no-op.
func (s *Service) FinalizeOrder(ctx context.Context, actor Actor, orderID int64) (*models.ConsumerOrder, error) {
	const op = "finalize order"
	var order *models.ConsumerOrder
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := s.lockCycle(ctx, tx, o.CycleID, lifecycle.OpOrder); err != nil {
			return err
		}
		if o.Finalized {
			order = o
			return nil
		}
		if err := tx.FinalizeOrder(ctx, o.ID, s.now()); err != nil {
			return err
		}
		order, err = tx.GetOrder(ctx, o.ID)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("order finalized", zap.Int64("order", orderID), zap.Int64("actor", actor.UserID))
	return order, nil
}
