package db

import (
	"context"

	"coopcycle/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	productCols     = `id, name, unit, reference_price, created_at`
	basketCols      = `id, name, description, created_at`
	marketCols      = `id, name, sale_type, responsible_user_id, admin_fee_rate, max_basket_value, created_at`
	cycleCols       = `id, name, status, notes, offer_start, offer_end, extra_start, extra_end, pickup_start, pickup_end, shortfall_ack_at, shortfall_ack_by, created_at, updated_at`
	cycleMarketCols = `id, cycle_id, market_id, sale_type, service_order, basket_count, target_basket_value, target_lot_value,
        delivery_start, delivery_end, pickup_start, pickup_end, purchase_start, purchase_end, status, created_at`
	offerCols        = `id, cycle_id, supplier_id, created_at, updated_at`
	offerLineCols    = `id, offer_id, cycle_id, supplier_id, product_id, quantity, reference_price, sale_value, created_at, updated_at`
	compositionCols  = `id, cycle_id, cycle_market_id, basket_id, created_at, updated_at`
	compLineCols     = `id, composition_id, option_id, product_id, quantity, estimated_unit_value, offer_line_id, unit_value, created_at`
	subscriptionCols = `id, cycle_id, cycle_market_id, composition_id, consumer_id, quantity, option_id, created_at`
	orderCols        = `id, cycle_id, cycle_market_id, consumer_id, finalized, finalized_at, created_at, updated_at`
	orderLineCols    = `id, order_id, product_id, quantity, offer_price, purchase_price, created_at`
	bindingCols      = `id, cycle_id, origin_type, origin_id, product_id, cycle_market_id, market_id, offer_line_id, supplier_id,
        quantity, unit_value, pinned, run_id, created_at, updated_at`
	runCols = `id, cycle_id, actor_id, started_at, finished_at, total_demand, total_bound, total_shortfall, total_leftover,
        created, updated, deleted, unchanged`
	settlementCols = `id, cycle_id, market_id, user_id, type, status, total_value, payment_date, created_by, created_at, updated_at`
)

// queries holds the read side shared by the pool and by transactions.
type queries struct {
	q sqlx.ExtContext
}

func (s *queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, s.q, dest, query, args...)
}

func (s *queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, s.q, dest, query, args...)
}

func (s *queries) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p := &models.Product{}
	query := `SELECT ` + productCols + ` FROM product WHERE id=$1`
	if err := s.get(ctx, p, query, id); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *queries) ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	query := `SELECT ` + productCols + ` FROM product ORDER BY id` + limitOffset(limit, offset)
	products := []models.Product{}
	err := s.selectAll(ctx, &products, query)
	return products, err
}

func (s *queries) GetBasketTemplate(ctx context.Context, id int64) (*models.BasketTemplate, error) {
	b := &models.BasketTemplate{}
	query := `SELECT ` + basketCols + ` FROM basket_template WHERE id=$1`
	if err := s.get(ctx, b, query, id); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *queries) ListBasketTemplates(ctx context.Context) ([]models.BasketTemplate, error) {
	baskets := []models.BasketTemplate{}
	err := s.selectAll(ctx, &baskets, `SELECT `+basketCols+` FROM basket_template ORDER BY id`)
	return baskets, err
}

func (s *queries) GetMarket(ctx context.Context, id int64) (*models.Market, error) {
	m := &models.Market{}
	query := `SELECT ` + marketCols + ` FROM market WHERE id=$1`
	if err := s.get(ctx, m, query, id); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *queries) ListMarkets(ctx context.Context) ([]models.Market, error) {
	markets := []models.Market{}
	err := s.selectAll(ctx, &markets, `SELECT `+marketCols+` FROM market ORDER BY id`)
	return markets, err
}

func (s *queries) GetCycle(ctx context.Context, id int64) (*models.Cycle, error) {
	c := &models.Cycle{}
	query := `SELECT ` + cycleCols + ` FROM cycle WHERE id=$1`
	if err := s.get(ctx, c, query, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *queries) ListCycles(ctx context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error) {
	filter := make([]string, len(statuses))
	for i, st := range statuses {
		filter[i] = string(st)
	}
	query := `
        SELECT ` + cycleCols + `
        FROM cycle
        WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
        ORDER BY id` + limitOffset(limit, offset)
	cycles := []models.Cycle{}
	err := s.selectAll(ctx, &cycles, query, pq.Array(filter))
	return cycles, err
}

func (s *queries) GetCycleMarket(ctx context.Context, id int64) (*models.CycleMarket, error) {
	cm := &models.CycleMarket{}
	query := `SELECT ` + cycleMarketCols + ` FROM cycle_market WHERE id=$1`
	if err := s.get(ctx, cm, query, id); err != nil {
		return nil, err
	}
	return cm, nil
}

func (s *queries) ListCycleMarkets(ctx context.Context, cycleID int64) ([]models.CycleMarket, error) {
	query := `SELECT ` + cycleMarketCols + ` FROM cycle_market WHERE cycle_id=$1 ORDER BY id`
	cms := []models.CycleMarket{}
	err := s.selectAll(ctx, &cms, query, cycleID)
	return cms, err
}

func (s *queries) GetOffer(ctx context.Context, cycleID, supplierID int64) (*models.Offer, error) {
	o := &models.Offer{}
	query := `SELECT ` + offerCols + ` FROM offer WHERE cycle_id=$1 AND supplier_id=$2`
	if err := s.get(ctx, o, query, cycleID, supplierID); err != nil {
		return nil, err
	}
	query = `SELECT ` + offerLineCols + ` FROM offer_line WHERE offer_id=$1 ORDER BY id`
	if err := s.selectAll(ctx, &o.Lines, query, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *queries) ListOfferLines(ctx context.Context, cycleID int64) ([]models.OfferLine, error) {
	query := `SELECT ` + offerLineCols + ` FROM offer_line WHERE cycle_id=$1 ORDER BY id`
	lines := []models.OfferLine{}
	err := s.selectAll(ctx, &lines, query, cycleID)
	return lines, err
}

// withContents loads lines and options for the given compositions in two
// queries and distributes them.
func (s *queries) withContents(ctx context.Context, comps []models.BasketComposition) error {
	if len(comps) == 0 {
		return nil
	}
	ids := make([]int64, len(comps))
	idx := make(map[int64]int, len(comps))
	for i, c := range comps {
		ids[i], idx[c.ID] = c.ID, i
	}

	var options []models.CompositionOption
	query := `SELECT id, composition_id, name FROM composition_option WHERE composition_id = ANY($1) ORDER BY id`
	if err := s.selectAll(ctx, &options, query, pq.Array(ids)); err != nil {
		return err
	}
	var lines []models.CompositionLine
	query = `SELECT ` + compLineCols + ` FROM composition_line WHERE composition_id = ANY($1) ORDER BY id`
	if err := s.selectAll(ctx, &lines, query, pq.Array(ids)); err != nil {
		return err
	}

	optIdx := make(map[int64][2]int, len(options))
	for _, o := range options {
		ci := idx[o.CompositionID]
		optIdx[o.ID] = [2]int{ci, len(comps[ci].Options)}
		comps[ci].Options = append(comps[ci].Options, o)
	}
	for _, l := range lines {
		if l.OptionID == nil {
			ci := idx[l.CompositionID]
			comps[ci].Lines = append(comps[ci].Lines, l)
			continue
		}
		at, ok := optIdx[*l.OptionID]
		if !ok {
			continue
		}
		opt := &comps[at[0]].Options[at[1]]
		opt.Lines = append(opt.Lines, l)
	}
	return nil
}

func (s *queries) GetComposition(ctx context.Context, id int64) (*models.BasketComposition, error) {
	c := models.BasketComposition{}
	query := `SELECT ` + compositionCols + ` FROM basket_composition WHERE id=$1`
	if err := s.get(ctx, &c, query, id); err != nil {
		return nil, err
	}
	comps := []models.BasketComposition{c}
	if err := s.withContents(ctx, comps); err != nil {
		return nil, err
	}
	return &comps[0], nil
}

func (s *queries) ListCompositions(ctx context.Context, cycleID int64) ([]models.BasketComposition, error) {
	query := `SELECT ` + compositionCols + ` FROM basket_composition WHERE cycle_id=$1 ORDER BY id`
	comps := []models.BasketComposition{}
	if err := s.selectAll(ctx, &comps, query, cycleID); err != nil {
		return nil, err
	}
	if err := s.withContents(ctx, comps); err != nil {
		return nil, err
	}
	return comps, nil
}

func (s *queries) ListSubscriptions(ctx context.Context, cycleID int64) ([]models.BasketSubscription, error) {
	query := `SELECT ` + subscriptionCols + ` FROM basket_subscription WHERE cycle_id=$1 ORDER BY id`
	subs := []models.BasketSubscription{}
	err := s.selectAll(ctx, &subs, query, cycleID)
	return subs, err
}

func (s *queries) withLines(ctx context.Context, orders []models.ConsumerOrder) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	idx := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i], idx[o.ID] = o.ID, i
	}
	var lines []models.ConsumerOrderLine
	query := `SELECT ` + orderLineCols + ` FROM consumer_order_line WHERE order_id = ANY($1) ORDER BY id`
	if err := s.selectAll(ctx, &lines, query, pq.Array(ids)); err != nil {
		return err
	}
	for _, l := range lines {
		i := idx[l.OrderID]
		orders[i].Lines = append(orders[i].Lines, l)
	}
	return nil
}

func (s *queries) oneOrder(ctx context.Context, query string, args ...any) (*models.ConsumerOrder, error) {
	o := models.ConsumerOrder{}
	if err := s.get(ctx, &o, query, args...); err != nil {
		return nil, err
	}
	orders := []models.ConsumerOrder{o}
	if err := s.withLines(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *queries) GetOrder(ctx context.Context, id int64) (*models.ConsumerOrder, error) {
	return s.oneOrder(ctx, `SELECT `+orderCols+` FROM consumer_order WHERE id=$1`, id)
}

func (s *queries) FindOrder(ctx context.Context, cycleID, consumerID int64) (*models.ConsumerOrder, error) {
	query := `SELECT ` + orderCols + ` FROM consumer_order WHERE cycle_id=$1 AND consumer_id=$2`
	return s.oneOrder(ctx, query, cycleID, consumerID)
}

func (s *queries) ListOrders(ctx context.Context, cycleID int64) ([]models.ConsumerOrder, error) {
	query := `SELECT ` + orderCols + ` FROM consumer_order WHERE cycle_id=$1 ORDER BY id`
	orders := []models.ConsumerOrder{}
	if err := s.selectAll(ctx, &orders, query, cycleID); err != nil {
		return nil, err
	}
	if err := s.withLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *queries) ListBindings(ctx context.Context, cycleID int64) ([]models.Binding, error) {
	query := `SELECT ` + bindingCols + ` FROM allocation_binding WHERE cycle_id=$1 ORDER BY id`
	bindings := []models.Binding{}
	err := s.selectAll(ctx, &bindings, query, cycleID)
	return bindings, err
}

func (s *queries) ListAllocationRuns(ctx context.Context, cycleID int64, limit int) ([]models.AllocationRun, error) {
	query := `
        SELECT ` + runCols + `
        FROM allocation_run
        WHERE cycle_id=$1
        ORDER BY started_at DESC, finished_at DESC` + limitOffset(limit, 0)
	runs := []models.AllocationRun{}
	err := s.selectAll(ctx, &runs, query, cycleID)
	return runs, err
}

func (s *queries) GetSettlement(ctx context.Context, id int64) (*models.Settlement, error) {
	st := &models.Settlement{}
	query := `SELECT ` + settlementCols + ` FROM settlement WHERE id=$1`
	if err := s.get(ctx, st, query, id); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *queries) ListSettlements(ctx context.Context, cycleID int64) ([]models.Settlement, error) {
	query := `SELECT ` + settlementCols + ` FROM settlement WHERE cycle_id=$1 ORDER BY id`
	settlements := []models.Settlement{}
	err := s.selectAll(ctx, &settlements, query, cycleID)
	return settlements, err
}
