package coop

import (
	"context"
	"strings"

	"coopcycle/internal/lifecycle"
	"coopcycle/internal/metrics"
	"coopcycle/models"

	"go.uber.org/zap"
)

// CloseOptions tune CloseCycle.
type CloseOptions struct {
	// AcknowledgeShortfall lets the cycle close with unmet demand and records
	// the acknowledgment on the cycle.
	AcknowledgeShortfall bool
	// Settle generates settlements in the same transaction as the close.
	Settle bool
}

func (s *Service) CreateCycle(ctx context.Context, actor Actor, c *models.Cycle) error {
	const op = "create cycle"
	if err := validateCycle(c); err != nil {
		return classify(op, err)
	}
	c.Status = models.CyclePlanning
	c.ShortfallAckAt, c.ShortfallAckBy = nil, nil
	err := s.store.InTx(ctx, func(tx Tx) error {
		return tx.CreateCycle(ctx, c)
	})
	if err != nil {
		return classify(op, err)
	}
	s.log.Info("cycle created", zap.Int64("cycle", c.ID), zap.Int64("actor", actor.UserID))
	return nil
}

func validateCycle(c *models.Cycle) error {
	c.Name = strings.TrimSpace(c.Name)
	switch {
	case c.Name == "":
		return newError(ValidationError, "", "name is required")
	case !c.OfferStart.IsZero() && !c.OfferEnd.IsZero() && !c.OfferStart.Before(c.OfferEnd):
		return newError(ValidationError, "", "offer window must end after it starts")
	case (c.ExtraStart == nil) != (c.ExtraEnd == nil):
		return newError(ValidationError, "", "additional-items window needs both bounds")
	case c.ExtraStart != nil && !c.ExtraStart.Before(*c.ExtraEnd):
		return newError(ValidationError, "", "additional-items window must end after it starts")
	case !c.PickupStart.IsZero() && !c.PickupEnd.IsZero() && c.PickupEnd.Before(c.PickupStart):
		return newError(ValidationError, "", "pickup window must end after it starts")
	}
	return nil
}

// AddCycleMarket attaches a market to a cycle, or updates the attachment.
// An empty sale type inherits the market default.
func (s *Service) AddCycleMarket(ctx context.Context, actor Actor, cm *models.CycleMarket) error {
	const op = "add cycle market"
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, cm.CycleID, lifecycle.OpEditComposition); err != nil {
			return err
		}
		m, err := tx.GetMarket(ctx, cm.MarketID)
		if err != nil {
			return err
		}
		if cm.SaleType == "" {
			cm.SaleType = m.SaleType
		}
		if err := validateCycleMarket(cm); err != nil {
			return err
		}
		return tx.UpsertCycleMarket(ctx, cm)
	})
	if err != nil {
		return classify(op, err)
	}
	s.log.Info("cycle market saved",
		zap.Int64("cycle", cm.CycleID),
		zap.Int64("market", cm.MarketID),
		zap.String("saleType", string(cm.SaleType)),
		zap.Int64("actor", actor.UserID))
	return nil
}

// validateCycleMarket checks the type-specific targets: basket markets need a
// basket count and a target basket value, lot markets a target lot value.
func validateCycleMarket(cm *models.CycleMarket) error {
	if !cm.SaleType.Valid() {
		return newError(ValidationError, "", "unknown sale type %q", cm.SaleType)
	}
	if cm.ServiceOrder < 0 {
		return newError(ValidationError, "", "service order must not be negative")
	}
	switch cm.SaleType {
	case models.SaleBasket:
		if cm.BasketCount == nil || *cm.BasketCount <= 0 {
			return newError(ValidationError, "", "basket market %d needs a positive basket count", cm.MarketID)
		}
		if !cm.TargetBasketValue.Valid || !cm.TargetBasketValue.Decimal.IsPositive() {
			return newError(ValidationError, "", "basket market %d needs a target basket value", cm.MarketID)
		}
	case models.SaleLot:
		if !cm.TargetLotValue.Valid || !cm.TargetLotValue.Decimal.IsPositive() {
			return newError(ValidationError, "", "lot market %d needs a target lot value", cm.MarketID)
		}
	}
	return nil
}

// Transition moves the cycle one step forward, or to canceled. Moving to
// closed goes through CloseCycle without options.
func (s *Service) Transition(ctx context.Context, actor Actor, cycleID int64, to models.CycleStatus) (*models.Cycle, error) {
	if to == models.CycleClosed {
		return s.CloseCycle(ctx, actor, cycleID, CloseOptions{})
	}

	const op = "transition cycle"
	var (
		c    *models.Cycle
		from models.CycleStatus
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		if c, err = tx.LockCycle(ctx, cycleID); err != nil {
			return err
		}
		if err := lifecycle.CanTransition(c.Status, to); err != nil {
			return err
		}
		from = c.Status
		c.Status = to
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	metrics.RecordTransition(string(to))
	s.log.Info("cycle transitioned",
		zap.Int64("cycle", cycleID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int64("actor", actor.UserID))
	return c, nil
}

// AcknowledgeShortfall records that the operator accepts closing the cycle
// with unmet demand.
func (s *Service) AcknowledgeShortfall(ctx context.Context, actor Actor, cycleID int64) (*models.Cycle, error) {
	const op = "acknowledge shortfall"
	var c *models.Cycle
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		if c, err = tx.LockCycle(ctx, cycleID); err != nil {
			return err
		}
		if lifecycle.Terminal(c.Status) {
			return newError(InvalidState, "", "cycle is %s", c.Status)
		}
		now := s.now()
		by := actor.UserID
		c.ShortfallAckAt, c.ShortfallAckBy = &now, &by
		return tx.UpdateCycle(ctx, c)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("shortfall acknowledged", zap.Int64("cycle", cycleID), zap.Int64("actor", actor.UserID))
	return c, nil
}

// CloseCycle closes a cycle in withdrawal. It fails with InvalidState while the
// offer or additional-items window is open, and while demand is unmet unless
// the shortfall is acknowledged by opts or on the cycle.
func (s *Service) CloseCycle(ctx context.Context, actor Actor, cycleID int64, opts CloseOptions) (*models.Cycle, error) {
	const op = "close cycle"
	var (
		c       *models.Cycle
		short   = "0"
		created []models.Settlement
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		var err error
		if c, err = s.lockCycle(ctx, tx, cycleID, lifecycle.OpClose); err != nil {
			return err
		}
		in, err := loadDemandInput(ctx, tx, cycleID)
		if err != nil {
			return err
		}
		bindings, err := tx.ListBindings(ctx, cycleID)
		if err != nil {
			return err
		}
		missing, err := unmetDemand(in, bindings)
		if err != nil {
			return err
		}
		short = missing.String()

		if missing.IsPositive() {
			switch {
			case opts.AcknowledgeShortfall:
				now := s.now()
				by := actor.UserID
				c.ShortfallAckAt, c.ShortfallAckBy = &now, &by
			case c.ShortfallAckAt == nil:
				return newError(InvalidState, "", "shortfall of %s is not acknowledged", missing)
			}
		}

		c.Status = models.CycleClosed
		if err := tx.UpdateCycle(ctx, c); err != nil {
			return err
		}
		if opts.Settle {
			created, err = s.settle(ctx, tx, actor, c, in, bindings)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	metrics.RecordTransition(string(models.CycleClosed))
	s.log.Info("cycle closed",
		zap.Int64("cycle", cycleID),
		zap.String("shortfall", short),
		zap.Int("settlements", len(created)),
		zap.Int64("actor", actor.UserID))
	return c, nil
}
