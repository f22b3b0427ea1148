package db

import (
	"context"
	"database/sql"
	"time"

	"coopcycle/internal/coop"
	"coopcycle/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const settlementActiveIndex = "settlement_active_uniq"

// txStore is the write side; every method runs on the open transaction.
type txStore struct {
	queries
}

func (s *txStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// execOne fails with sql.ErrNoRows when the statement touched nothing.
func (s *txStore) execOne(ctx context.Context, query string, args ...any) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *txStore) LockCycle(ctx context.Context, id int64) (*models.Cycle, error) {
	c := &models.Cycle{}
	query := `SELECT ` + cycleCols + ` FROM cycle WHERE id=$1 FOR UPDATE`
	if err := s.get(ctx, c, query, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *txStore) LockOfferLines(ctx context.Context, cycleID int64) ([]models.OfferLine, error) {
	query := `SELECT ` + offerLineCols + ` FROM offer_line WHERE cycle_id=$1 ORDER BY id FOR UPDATE`
	lines := []models.OfferLine{}
	err := s.selectAll(ctx, &lines, query, cycleID)
	return lines, err
}

func (s *txStore) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
        INSERT INTO product (name, unit, reference_price)
        VALUES ($1, $2, $3)
        RETURNING id, created_at`
	return s.q.QueryRowxContext(ctx, query, p.Name, p.Unit, p.ReferencePrice).Scan(&p.ID, &p.CreatedAt)
}

func (s *txStore) CreateBasketTemplate(ctx context.Context, b *models.BasketTemplate) error {
	query := `
        INSERT INTO basket_template (name, description)
        VALUES ($1, $2)
        RETURNING id, created_at`
	return s.q.QueryRowxContext(ctx, query, b.Name, b.Description).Scan(&b.ID, &b.CreatedAt)
}

func (s *txStore) CreateMarket(ctx context.Context, m *models.Market) error {
	query := `
        INSERT INTO market (name, sale_type, responsible_user_id, admin_fee_rate, max_basket_value)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at`
	return s.q.QueryRowxContext(ctx, query,
		m.Name, m.SaleType, m.ResponsibleUserID, m.AdminFeeRate, m.MaxBasketValue).
		Scan(&m.ID, &m.CreatedAt)
}

func (s *txStore) CreateCycle(ctx context.Context, c *models.Cycle) error {
	query := `
        INSERT INTO cycle
            (name, status, notes, offer_start, offer_end, extra_start, extra_end, pickup_start, pickup_end)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, created_at, updated_at`
	return s.q.QueryRowxContext(ctx, query,
		c.Name, c.Status, c.Notes, c.OfferStart, c.OfferEnd, c.ExtraStart, c.ExtraEnd, c.PickupStart, c.PickupEnd).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *txStore) UpdateCycle(ctx context.Context, c *models.Cycle) error {
	query := `
        UPDATE cycle
        SET name=$1, status=$2, notes=$3, offer_start=$4, offer_end=$5, extra_start=$6, extra_end=$7,
            pickup_start=$8, pickup_end=$9, shortfall_ack_at=$10, shortfall_ack_by=$11, updated_at=NOW()
        WHERE id=$12
        RETURNING updated_at`
	return s.q.QueryRowxContext(ctx, query,
		c.Name, c.Status, c.Notes, c.OfferStart, c.OfferEnd, c.ExtraStart, c.ExtraEnd,
		c.PickupStart, c.PickupEnd, c.ShortfallAckAt, c.ShortfallAckBy, c.ID).
		Scan(&c.UpdatedAt)
}

func (s *txStore) UpsertCycleMarket(ctx context.Context, cm *models.CycleMarket) error {
	query := `
        INSERT INTO cycle_market
            (cycle_id, market_id, sale_type, service_order, basket_count, target_basket_value, target_lot_value,
             delivery_start, delivery_end, pickup_start, pickup_end, purchase_start, purchase_end, status)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (cycle_id, market_id) DO UPDATE SET
            sale_type = EXCLUDED.sale_type,
            service_order = EXCLUDED.service_order,
            basket_count = EXCLUDED.basket_count,
            target_basket_value = EXCLUDED.target_basket_value,
            target_lot_value = EXCLUDED.target_lot_value,
            delivery_start = EXCLUDED.delivery_start,
            delivery_end = EXCLUDED.delivery_end,
            pickup_start = EXCLUDED.pickup_start,
            pickup_end = EXCLUDED.pickup_end,
            purchase_start = EXCLUDED.purchase_start,
            purchase_end = EXCLUDED.purchase_end,
            status = EXCLUDED.status
        RETURNING id, created_at`
	return s.q.QueryRowxContext(ctx, query,
		cm.CycleID, cm.MarketID, cm.SaleType, cm.ServiceOrder, cm.BasketCount, cm.TargetBasketValue, cm.TargetLotValue,
		cm.DeliveryStart, cm.DeliveryEnd, cm.PickupStart, cm.PickupEnd, cm.PurchaseStart, cm.PurchaseEnd, cm.Status).
		Scan(&cm.ID, &cm.CreatedAt)
}

func (s *txStore) UpsertOffer(ctx context.Context, o *models.Offer) error {
	query := `
        INSERT INTO offer (cycle_id, supplier_id)
        VALUES ($1, $2)
        ON CONFLICT (cycle_id, supplier_id) DO UPDATE SET updated_at = NOW()
        RETURNING id, created_at, updated_at`
	return s.q.QueryRowxContext(ctx, query, o.CycleID, o.SupplierID).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

func (s *txStore) UpsertOfferLine(ctx context.Context, l *models.OfferLine) error {
	query := `
        INSERT INTO offer_line
            (offer_id, cycle_id, supplier_id, product_id, quantity, reference_price, sale_value)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (offer_id, product_id) DO UPDATE SET
            quantity = EXCLUDED.quantity,
            reference_price = EXCLUDED.reference_price,
            sale_value = EXCLUDED.sale_value,
            updated_at = NOW()
        RETURNING id, created_at, updated_at`
	return s.q.QueryRowxContext(ctx, query,
		l.OfferID, l.CycleID, l.SupplierID, l.ProductID, l.Quantity, l.ReferencePrice, l.SaleValue).
		Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
}

func (s *txStore) UpsertComposition(ctx context.Context, c *models.BasketComposition) error {
	query := `
        INSERT INTO basket_composition (cycle_id, cycle_market_id, basket_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (cycle_id, basket_id) DO UPDATE SET
            cycle_market_id = EXCLUDED.cycle_market_id,
            updated_at = NOW()
        RETURNING id, created_at, updated_at`
	return s.q.QueryRowxContext(ctx, query, c.CycleID, c.CycleMarketID, c.BasketID).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *txStore) UpsertCompositionOption(ctx context.Context, o *models.CompositionOption) error {
	query := `
        INSERT INTO composition_option (composition_id, name)
        VALUES ($1, $2)
        ON CONFLICT (composition_id, name) DO UPDATE SET name = EXCLUDED.name
        RETURNING id`
	return s.q.QueryRowxContext(ctx, query, o.CompositionID, o.Name).Scan(&o.ID)
}

// UpsertCompositionLine keeps the binding columns of an existing line.
func (s *txStore) UpsertCompositionLine(ctx context.Context, l *models.CompositionLine) error {
	query := `
        INSERT INTO composition_line (composition_id, option_id, product_id, quantity, estimated_unit_value)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (composition_id, (COALESCE(option_id, 0)), product_id) DO UPDATE SET
            quantity = EXCLUDED.quantity,
            estimated_unit_value = EXCLUDED.estimated_unit_value
        RETURNING id, offer_line_id, unit_value, created_at`
	return s.q.QueryRowxContext(ctx, query,
		l.CompositionID, l.OptionID, l.ProductID, l.Quantity, l.EstimatedUnitValue).
		Scan(&l.ID, &l.OfferLineID, &l.UnitValue, &l.CreatedAt)
}

func (s *txStore) DeleteCompositionLines(ctx context.Context, compositionID int64, keep []int64) ([]int64, error) {
	query := `
        DELETE FROM composition_line
        WHERE composition_id=$1 AND NOT (id = ANY($2))
        RETURNING id`
	var removed []int64
	if err := s.selectAll(ctx, &removed, query, compositionID, pq.Array(nonNil(keep))); err != nil {
		return nil, err
	}
	return removed, nil
}

// nonNil keeps pq from sending NULL for an empty keep list, which would make
// NOT (id = ANY(...)) match nothing.
func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// DeleteCompositionOptions relies on basket_subscription.option_id being
// ON DELETE SET NULL.
func (s *txStore) DeleteCompositionOptions(ctx context.Context, compositionID int64, keep []int64) error {
	query := `DELETE FROM composition_option WHERE composition_id=$1 AND NOT (id = ANY($2))`
	_, err := s.exec(ctx, query, compositionID, pq.Array(nonNil(keep)))
	return err
}

func (s *txStore) SetCompositionLineBinding(ctx context.Context, lineID int64, offerLineID *int64, unitValue decimal.NullDecimal) error {
	query := `UPDATE composition_line SET offer_line_id=$1, unit_value=$2 WHERE id=$3`
	return s.execOne(ctx, query, offerLineID, unitValue, lineID)
}

func (s *txStore) UpsertSubscription(ctx context.Context, sub *models.BasketSubscription) error {
	query := `
        INSERT INTO basket_subscription (cycle_id, cycle_market_id, composition_id, consumer_id, quantity, option_id)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (composition_id, consumer_id) DO UPDATE SET
            quantity = EXCLUDED.quantity,
            option_id = EXCLUDED.option_id
        RETURNING id, created_at`
	return s.q.QueryRowxContext(ctx, query,
		sub.CycleID, sub.CycleMarketID, sub.CompositionID, sub.ConsumerID, sub.Quantity, sub.OptionID).
		Scan(&sub.ID, &sub.CreatedAt)
}

func (s *txStore) UpsertOrder(ctx context.Context, o *models.ConsumerOrder) error {
	query := `
        INSERT INTO consumer_order (cycle_id, cycle_market_id, consumer_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (cycle_id, consumer_id) DO UPDATE SET updated_at = NOW()
        RETURNING id, finalized, finalized_at, created_at, updated_at`
	return s.q.QueryRowxContext(ctx, query, o.CycleID, o.CycleMarketID, o.ConsumerID).
		Scan(&o.ID, &o.Finalized, &o.FinalizedAt, &o.CreatedAt, &o.UpdatedAt)
}

func (s *txStore) UpsertOrderLine(ctx context.Context, l *models.ConsumerOrderLine) error {
	query := `
        INSERT INTO consumer_order_line (order_id, product_id, quantity, offer_price, purchase_price)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (order_id, product_id) DO UPDATE SET
            quantity = EXCLUDED.quantity,
            offer_price = EXCLUDED.offer_price,
            purchase_price = EXCLUDED.purchase_price
        RETURNING id, created_at`
	return s.q.QueryRowxContext(ctx, query, l.OrderID, l.ProductID, l.Quantity, l.OfferPrice, l.PurchasePrice).
		Scan(&l.ID, &l.CreatedAt)
}

func (s *txStore) FinalizeOrder(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE consumer_order SET finalized=TRUE, finalized_at=$1, updated_at=NOW() WHERE id=$2`
	return s.execOne(ctx, query, at, id)
}

func (s *txStore) InsertBindings(ctx context.Context, bs []models.Binding) ([]models.Binding, error) {
	query := `
        INSERT INTO allocation_binding
            (cycle_id, origin_type, origin_id, product_id, cycle_market_id, market_id, offer_line_id, supplier_id,
             quantity, unit_value, pinned, run_id)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING id, created_at, updated_at`
	out := make([]models.Binding, 0, len(bs))
	for _, b := range bs {
		err := s.q.QueryRowxContext(ctx, query,
			b.CycleID, b.OriginType, b.OriginID, b.ProductID, b.CycleMarketID, b.MarketID, b.OfferLineID, b.SupplierID,
			b.Quantity, b.UnitValue, b.Pinned, b.RunID).
			Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *txStore) UpdateBindings(ctx context.Context, bs []models.Binding) error {
	query := `
        UPDATE allocation_binding
        SET cycle_market_id=$1, market_id=$2, supplier_id=$3, quantity=$4, unit_value=$5, pinned=$6, run_id=$7,
            updated_at=NOW()
        WHERE id=$8`
	for _, b := range bs {
		if err := s.execOne(ctx, query,
			b.CycleMarketID, b.MarketID, b.SupplierID, b.Quantity, b.UnitValue, b.Pinned, b.RunID, b.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *txStore) DeleteBindings(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.exec(ctx, `DELETE FROM allocation_binding WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

func (s *txStore) DeleteBindingsByOrigin(ctx context.Context, origin models.OriginType, originIDs []int64) error {
	if len(originIDs) == 0 {
		return nil
	}
	query := `DELETE FROM allocation_binding WHERE origin_type=$1 AND origin_id = ANY($2)`
	_, err := s.exec(ctx, query, origin, pq.Array(originIDs))
	return err
}

func (s *txStore) InsertAllocationRun(ctx context.Context, r *models.AllocationRun) error {
	query := `
        INSERT INTO allocation_run
            (id, cycle_id, actor_id, started_at, finished_at, total_demand, total_bound, total_shortfall,
             total_leftover, created, updated, deleted, unchanged)
        VALUES
            (:id, :cycle_id, :actor_id, :started_at, :finished_at, :total_demand, :total_bound, :total_shortfall,
             :total_leftover, :created, :updated, :deleted, :unchanged)`
	_, err := sqlx.NamedExecContext(ctx, s.q, query, r)
	return err
}

func (s *txStore) InsertSettlements(ctx context.Context, ss []models.Settlement) ([]models.Settlement, error) {
	query := `
        INSERT INTO settlement (cycle_id, market_id, user_id, type, status, total_value, created_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at`
	out := make([]models.Settlement, 0, len(ss))
	for _, st := range ss {
		err := s.q.QueryRowxContext(ctx, query,
			st.CycleID, st.MarketID, st.UserID, st.Type, st.Status, st.TotalValue, st.CreatedBy).
			Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
		if isUniqueViolation(err, settlementActiveIndex) {
			return nil, &coop.Error{Kind: coop.AlreadySettled, Msg: "duplicate active settlement", Err: err}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *txStore) CancelSettlements(ctx context.Context, cycleID int64) (int, error) {
	query := `UPDATE settlement SET status=$1, updated_at=NOW() WHERE cycle_id=$2 AND status <> $1`
	n, err := s.exec(ctx, query, models.SettlementCanceled, cycleID)
	return int(n), err
}

func (s *txStore) UpdateSettlementStatus(ctx context.Context, id int64, status models.SettlementStatus, paymentDate *time.Time) error {
	query := `UPDATE settlement SET status=$1, payment_date=$2, updated_at=NOW() WHERE id=$3`
	return s.execOne(ctx, query, status, paymentDate, id)
}
