package coop

import (
	"context"

	"coopcycle/internal/aggregate"
	"coopcycle/internal/lifecycle"
	"coopcycle/internal/metrics"
	"coopcycle/internal/settlement"
	"coopcycle/models"

	"go.uber.org/zap"
)

// GenerateSettlements creates the payables and receivables of a closed cycle.
// It fails with AlreadySettled while active settlements exist; cancel them
// first to regenerate.
func (s *Service) GenerateSettlements(ctx context.Context, actor Actor, cycleID int64) ([]models.Settlement, error) {
	const op = "generate settlements"
	var created []models.Settlement
	err := s.store.InTx(ctx, func(tx Tx) error {
		c, err := s.lockCycle(ctx, tx, cycleID, lifecycle.OpSettle)
		if err != nil {
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
		created, err = s.settle(ctx, tx, actor, c, in, bindings)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return created, nil
}

// settle runs inside a transaction holding the cycle lock.
func (s *Service) settle(ctx context.Context, tx Tx, actor Actor, c *models.Cycle, in aggregate.DemandInput, bindings []models.Binding) ([]models.Settlement, error) {
	existing, err := tx.ListSettlements(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range existing {
		if settlement.Active(st) {
			return nil, newError(AlreadySettled, "", "cycle %d already has active settlements", c.ID)
		}
	}

	drafts := settlement.Generate(settlement.Input{
		CycleID:       c.ID,
		CycleMarkets:  in.CycleMarkets,
		Compositions:  in.Compositions,
		Subscriptions: in.Subscriptions,
		Orders:        in.Orders,
		Bindings:      bindings,
	}, actor.UserID)
	if payables, bound, ok := settlement.Reconcile(drafts, bindings); !ok {
		s.log.Warn("supplier payables differ from bound value",
			zap.Int64("cycle", c.ID),
			zap.String("payables", payables.String()),
			zap.String("bound", bound.String()))
	}
	created, err := tx.InsertSettlements(ctx, drafts)
	if err != nil {
		return nil, err
	}

	sum := settlement.Summary(created)
	for _, st := range created {
		metrics.RecordSettlement(string(st.Type))
	}
	s.log.Info("settlements generated",
		zap.Int64("cycle", c.ID),
		zap.Int("count", len(created)),
		zap.String("payable", sum[models.SupplierPayable].String()),
		zap.String("receivable", sum[models.ConsumerReceivable].String()),
		zap.Int64("actor", actor.UserID))
	return created, nil
}

// CancelSettlements cancels every active settlement of a cycle so they can be
// regenerated. A cycle with a paid settlement cannot be canceled.
func (s *Service) CancelSettlements(ctx context.Context, actor Actor, cycleID int64) (int, error) {
	const op = "cancel settlements"
	var n int
	err := s.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockCycle(ctx, cycleID); err != nil {
			return err
		}
		existing, err := tx.ListSettlements(ctx, cycleID)
		if err != nil {
			return err
		}
		for _, st := range existing {
			if st.Status == models.SettlementPaid {
				return newError(InvalidState, "", "settlement %d is paid", st.ID)
			}
		}
		n, err = tx.CancelSettlements(ctx, cycleID)
		return err
	})
	if err != nil {
		return 0, classify(op, err)
	}
	s.log.Info("settlements canceled", zap.Int64("cycle", cycleID), zap.Int("count", n), zap.Int64("actor", actor.UserID))
	return n, nil
}

// MarkSettlementPaid records the payment of one settlement.
func (s *Service) MarkSettlementPaid(ctx context.Context, actor Actor, id int64) (*models.Settlement, error) {
	const op = "mark settlement paid"
	var st *models.Settlement
	err := s.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.GetSettlement(ctx, id)
		if err != nil {
			return err
		}
		if _, err := tx.LockCycle(ctx, cur.CycleID); err != nil {
			return err
		}
		if st, err = tx.GetSettlement(ctx, id); err != nil {
			return err
		}
		switch st.Status {
		case models.SettlementPaid:
			return newError(InvalidState, "", "settlement %d is already paid", id)
		case models.SettlementCanceled:
			return newError(InvalidState, "", "settlement %d is canceled", id)
		}
		now := s.now()
		st.Status, st.PaymentDate = models.SettlementPaid, &now
		return tx.UpdateSettlementStatus(ctx, id, st.Status, st.PaymentDate)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	s.log.Info("settlement paid",
		zap.Int64("settlement", id),
		zap.Int64("cycle", st.CycleID),
		zap.String("total", st.TotalValue.String()),
		zap.Int64("actor", actor.UserID))
	return st, nil
}
