package coop

import (
	"context"
	"database/sql"
	"errors"

	"coopcycle/internal/allocation"
	"coopcycle/internal/lifecycle"
	"coopcycle/models"

	"go.uber.org/zap"
)

// UpsertOffer creates or updates a supplier's offer for a cycle. A line may not
// drop below the quantity already bound to it.
func (s *Service) UpsertOffer(ctx context.Context, actor Actor, in OfferInput) (*models.Offer, error) {
	const op = "upsert offer"
	if in.SupplierID <= 0 {
		return nil, newError(ValidationError, op, "supplier is required")
	}
	seen := make(map[int64]bool, len(in.Lines))
	for _, l := range in.Lines {
		switch {
		case seen[l.ProductID]:
			return nil, newError(ValidationError, op, "product %d listed twice", l.ProductID)
		case l.Quantity.IsNegative():
			return nil, newError(ValidationError, op, "quantity of product %d must not be negative", l.ProductID)
		case l.ReferencePrice.IsNegative() || l.SaleValue.IsNegative():
			return nil, newError(ValidationError, op, "prices of product %d must not be negative", l.ProductID)
		}
		seen[l.ProductID] = true
	}

	var offer *models.Offer
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := s.lockCycle(ctx, tx, in.CycleID, lifecycle.OpEditOffer); err != nil {
			return err
		}
		for _, l := range in.Lines {
			if err := requireProduct(ctx, tx, l.ProductID); err != nil {
				return err
			}
		}

		o := &models.Offer{CycleID: in.CycleID, SupplierID: in.SupplierID}
		if err := tx.UpsertOffer(ctx, o); err != nil {
			return err
		}
		locked, err := tx.LockOfferLines(ctx, in.CycleID)
		if err != nil {
			return err
		}
		bindings, err := tx.ListBindings(ctx, in.CycleID)
		if err != nil {
			return err
		}
		bound := allocation.BoundByOfferLine(bindings)
		current := make(map[int64]models.OfferLine)
		for _, l := range locked {
			if l.OfferID == o.ID {
				current[l.ProductID] = l
			}
		}

		for _, li := range in.Lines {
			if cur, ok := current[li.ProductID]; ok && li.Quantity.LessThan(bound[cur.ID]) {
				return newError(CapacityExceeded, "", "offer line %d has %s bound, cannot drop to %s",
					cur.ID, bound[cur.ID], li.Quantity)
			}
			line := &models.OfferLine{
				OfferID:        o.ID,
				CycleID:        in.CycleID,
				SupplierID:     in.SupplierID,
				ProductID:      li.ProductID,
				Quantity:       li.Quantity,
				ReferencePrice: li.ReferencePrice,
				SaleValue:      li.SaleValue,
			}
			if err := tx.UpsertOfferLine(ctx, line); err != nil {
				return err
			}
		}
		offer, err = tx.GetOffer(ctx, in.CycleID, in.SupplierID)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("offer saved",
		zap.Int64("cycle", in.CycleID),
		zap.Int64("supplier", in.SupplierID),
		zap.Int("lines", len(offer.Lines)),
		zap.Int64("actor", actor.UserID))
	return offer, nil
}

func requireProduct(ctx context.Context, r Reader, id int64) error {
	_, err := r.GetProduct(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return newError(ValidationError, "", "unknown product %d", id)
	}
	return err
}
