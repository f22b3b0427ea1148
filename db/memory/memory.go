// Package memory is an in-memory implementation of the coop store. It is safe
// for concurrent use and is intended for tests and local development.
//
// Transactions are serialized: InTx works on a private copy of the state and
// publishes it on success, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"coopcycle/internal/coop"
	"coopcycle/models"
)

type state struct {
	nextID        int64
	products      map[int64]models.Product
	baskets       map[int64]models.BasketTemplate
	markets       map[int64]models.Market
	cycles        map[int64]models.Cycle
	cycleMarkets  map[int64]models.CycleMarket
	offers        map[int64]models.Offer
	offerLines    map[int64]models.OfferLine
	compositions  map[int64]models.BasketComposition
	options       map[int64]models.CompositionOption
	compLines     map[int64]models.CompositionLine
	subscriptions map[int64]models.BasketSubscription
	orders        map[int64]models.ConsumerOrder
	orderLines    map[int64]models.ConsumerOrderLine
	bindings      map[int64]models.Binding
	runs          []models.AllocationRun
	settlements   map[int64]models.Settlement
}

func newState() *state {
	return &state{
		nextID:        1,
		products:      make(map[int64]models.Product),
		baskets:       make(map[int64]models.BasketTemplate),
		markets:       make(map[int64]models.Market),
		cycles:        make(map[int64]models.Cycle),
		cycleMarkets:  make(map[int64]models.CycleMarket),
		offers:        make(map[int64]models.Offer),
		offerLines:    make(map[int64]models.OfferLine),
		compositions:  make(map[int64]models.BasketComposition),
		options:       make(map[int64]models.CompositionOption),
		compLines:     make(map[int64]models.CompositionLine),
		subscriptions: make(map[int64]models.BasketSubscription),
		orders:        make(map[int64]models.ConsumerOrder),
		orderLines:    make(map[int64]models.ConsumerOrderLine),
		bindings:      make(map[int64]models.Binding),
		settlements:   make(map[int64]models.Settlement),
	}
}

func (st *state) clone() *state {
	return &state{
		nextID:        st.nextID,
		products:      copyMap(st.products),
		baskets:       copyMap(st.baskets),
		markets:       copyMap(st.markets),
		cycles:        copyMap(st.cycles),
		cycleMarkets:  copyMap(st.cycleMarkets),
		offers:        copyMap(st.offers),
		offerLines:    copyMap(st.offerLines),
		compositions:  copyMap(st.compositions),
		options:       copyMap(st.options),
		compLines:     copyMap(st.compLines),
		subscriptions: copyMap(st.subscriptions),
		orders:        copyMap(st.orders),
		orderLines:    copyMap(st.orderLines),
		bindings:      copyMap(st.bindings),
		runs:          slices.Clone(st.runs),
		settlements:   copyMap(st.settlements),
	}
}

func copyMap[V any](m map[int64]V) map[int64]V {
	out := make(map[int64]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sorted returns the values of m accepted by keep, ordered by id.
func sorted[V any](m map[int64]V, keep func(V) bool) []V {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep == nil || keep(v) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]V, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (st *state) id() int64 {
	id := st.nextID
	st.nextID++
	return id
}

// Store holds the committed state. Committed states are never mutated, so
// reads work on a snapshot without locking.
type Store struct {
	txMu sync.Mutex
	st   atomic.Pointer[state]
	now  func() time.Time
}

var _ coop.Store = (*Store)(nil)
var _ coop.Tx = (*tx)(nil)

// New creates an empty store.
func New() *Store {
	s := &Store{now: time.Now}
	s.st.Store(newState())
	return s
}

func (s *Store) snapshot() *view { return &view{st: s.st.Load()} }

func (s *Store) InTx(ctx context.Context, fn func(tx coop.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.Load().clone()
	if err := fn(&tx{view: view{st: work}, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st.Store(work)
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return s.snapshot().GetProduct(ctx, id)
}

func (s *Store) ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	return s.snapshot().ListProducts(ctx, limit, offset)
}

func (s *Store) GetBasketTemplate(ctx context.Context, id int64) (*models.BasketTemplate, error) {
	return s.snapshot().GetBasketTemplate(ctx, id)
}

func (s *Store) ListBasketTemplates(ctx context.Context) ([]models.BasketTemplate, error) {
	return s.snapshot().ListBasketTemplates(ctx)
}

func (s *Store) GetMarket(ctx context.Context, id int64) (*models.Market, error) {
	return s.snapshot().GetMarket(ctx, id)
}

func (s *Store) ListMarkets(ctx context.Context) ([]models.Market, error) {
	return s.snapshot().ListMarkets(ctx)
}

func (s *Store) GetCycle(ctx context.Context, id int64) (*models.Cycle, error) {
	return s.snapshot().GetCycle(ctx, id)
}

func (s *Store) ListCycles(ctx context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error) {
	return s.snapshot().ListCycles(ctx, statuses, limit, offset)
}

func (s *Store) GetCycleMarket(ctx context.Context, id int64) (*models.CycleMarket, error) {
	return s.snapshot().GetCycleMarket(ctx, id)
}

func (s *Store) ListCycleMarkets(ctx context.Context, cycleID int64) ([]models.CycleMarket, error) {
	return s.snapshot().ListCycleMarkets(ctx, cycleID)
}

func (s *Store) GetOffer(ctx context.Context, cycleID, supplierID int64) (*models.Offer, error) {
	return s.snapshot().GetOffer(ctx, cycleID, supplierID)
}

func (s *Store) ListOfferLines(ctx context.Context, cycleID int64) ([]models.OfferLine, error) {
	return s.snapshot().ListOfferLines(ctx, cycleID)
}

func (s *Store) GetComposition(ctx context.Context, id int64) (*models.BasketComposition, error) {
	return s.snapshot().GetComposition(ctx, id)
}

func (s *Store) ListCompositions(ctx context.Context, cycleID int64) ([]models.BasketComposition, error) {
	return s.snapshot().ListCompositions(ctx, cycleID)
}

func (s *Store) ListSubscriptions(ctx context.Context, cycleID int64) ([]models.BasketSubscription, error) {
	return s.snapshot().ListSubscriptions(ctx, cycleID)
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.ConsumerOrder, error) {
	return s.snapshot().GetOrder(ctx, id)
}

func (s *Store) FindOrder(ctx context.Context, cycleID, consumerID int64) (*models.ConsumerOrder, error) {
	return s.snapshot().FindOrder(ctx, cycleID, consumerID)
}

func (s *Store) ListOrders(ctx context.Context, cycleID int64) ([]models.ConsumerOrder, error) {
	return s.snapshot().ListOrders(ctx, cycleID)
}

func (s *Store) ListBindings(ctx context.Context, cycleID int64) ([]models.Binding, error) {
	return s.snapshot().ListBindings(ctx, cycleID)
}

func (s *Store) ListAllocationRuns(ctx context.Context, cycleID int64, limit int) ([]models.AllocationRun, error) {
	return s.snapshot().ListAllocationRuns(ctx, cycleID, limit)
}

func (s *Store) GetSettlement(ctx context.Context, id int64) (*models.Settlement, error) {
	return s.snapshot().GetSettlement(ctx, id)
}

func (s *Store) ListSettlements(ctx context.Context, cycleID int64) ([]models.Settlement, error) {
	return s.snapshot().ListSettlements(ctx, cycleID)
}

// view answers reads against one state.
type view struct {
	st *state
}

func get[V any](m map[int64]V, id int64) (*V, error) {
	v, ok := m[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &v, nil
}

func page[V any](vs []V, limit, offset int) []V {
	if offset > len(vs) {
		offset = len(vs)
	}
	vs = vs[offset:]
	if limit > 0 && limit < len(vs) {
		vs = vs[:limit]
	}
	return vs
}

func (v *view) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	return get(v.st.products, id)
}

func (v *view) ListProducts(_ context.Context, limit, offset int) ([]models.Product, error) {
	return page(sorted(v.st.products, nil), limit, offset), nil
}

func (v *view) GetBasketTemplate(_ context.Context, id int64) (*models.BasketTemplate, error) {
	return get(v.st.baskets, id)
}

func (v *view) ListBasketTemplates(_ context.Context) ([]models.BasketTemplate, error) {
	return sorted(v.st.baskets, nil), nil
}

func (v *view) GetMarket(_ context.Context, id int64) (*models.Market, error) {
	return get(v.st.markets, id)
}

func (v *view) ListMarkets(_ context.Context) ([]models.Market, error) {
	return sorted(v.st.markets, nil), nil
}

func (v *view) GetCycle(_ context.Context, id int64) (*models.Cycle, error) {
	return get(v.st.cycles, id)
}

func (v *view) ListCycles(_ context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error) {
	cs := sorted(v.st.cycles, func(c models.Cycle) bool {
		return len(statuses) == 0 || slices.Contains(statuses, c.Status)
	})
	return page(cs, limit, offset), nil
}

func (v *view) GetCycleMarket(_ context.Context, id int64) (*models.CycleMarket, error) {
	return get(v.st.cycleMarkets, id)
}

func (v *view) ListCycleMarkets(_ context.Context, cycleID int64) ([]models.CycleMarket, error) {
	return sorted(v.st.cycleMarkets, func(cm models.CycleMarket) bool { return cm.CycleID == cycleID }), nil
}

func (v *view) GetOffer(_ context.Context, cycleID, supplierID int64) (*models.Offer, error) {
	for _, o := range v.st.offers {
		if o.CycleID == cycleID && o.SupplierID == supplierID {
			o.Lines = sorted(v.st.offerLines, func(l models.OfferLine) bool { return l.OfferID == o.ID })
			return &o, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (v *view) ListOfferLines(_ context.Context, cycleID int64) ([]models.OfferLine, error) {
	return sorted(v.st.offerLines, func(l models.OfferLine) bool { return l.CycleID == cycleID }), nil
}

func (v *view) withContents(c models.BasketComposition) models.BasketComposition {
	c.Lines = sorted(v.st.compLines, func(l models.CompositionLine) bool {
		return l.CompositionID == c.ID && l.OptionID == nil
	})
	c.Options = sorted(v.st.options, func(o models.CompositionOption) bool { return o.CompositionID == c.ID })
	for i := range c.Options {
		id := c.Options[i].ID
		c.Options[i].Lines = sorted(v.st.compLines, func(l models.CompositionLine) bool {
			return l.OptionID != nil && *l.OptionID == id
		})
	}
	return c
}

func (v *view) GetComposition(_ context.Context, id int64) (*models.BasketComposition, error) {
	c, ok := v.st.compositions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	c = v.withContents(c)
	return &c, nil
}

func (v *view) ListCompositions(_ context.Context, cycleID int64) ([]models.BasketComposition, error) {
	cs := sorted(v.st.compositions, func(c models.BasketComposition) bool { return c.CycleID == cycleID })
	for i := range cs {
		cs[i] = v.withContents(cs[i])
	}
	return cs, nil
}

func (v *view) ListSubscriptions(_ context.Context, cycleID int64) ([]models.BasketSubscription, error) {
	return sorted(v.st.subscriptions, func(s models.BasketSubscription) bool { return s.CycleID == cycleID }), nil
}

func (v *view) withLines(o models.ConsumerOrder) models.ConsumerOrder {
	o.Lines = sorted(v.st.orderLines, func(l models.ConsumerOrderLine) bool { return l.OrderID == o.ID })
	return o
}

func (v *view) GetOrder(_ context.Context, id int64) (*models.ConsumerOrder, error) {
	o, ok := v.st.orders[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	o = v.withLines(o)
	return &o, nil
}

func (v *view) FindOrder(_ context.Context, cycleID, consumerID int64) (*models.ConsumerOrder, error) {
	for _, o := range v.st.orders {
		if o.CycleID == cycleID && o.ConsumerID == consumerID {
			o = v.withLines(o)
			return &o, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (v *view) ListOrders(_ context.Context, cycleID int64) ([]models.ConsumerOrder, error) {
	orders := sorted(v.st.orders, func(o models.ConsumerOrder) bool { return o.CycleID == cycleID })
	for i := range orders {
		orders[i] = v.withLines(orders[i])
	}
	return orders, nil
}

func (v *view) ListBindings(_ context.Context, cycleID int64) ([]models.Binding, error) {
	return sorted(v.st.bindings, func(b models.Binding) bool { return b.CycleID == cycleID }), nil
}

func (v *view) ListAllocationRuns(_ context.Context, cycleID int64, limit int) ([]models.AllocationRun, error) {
	var out []models.AllocationRun
	for i := len(v.st.runs) - 1; i >= 0; i-- {
		if v.st.runs[i].CycleID == cycleID {
			out = append(out, v.st.runs[i])
		}
	}
	return page(out, limit, 0), nil
}

func (v *view) GetSettlement(_ context.Context, id int64) (*models.Settlement, error) {
	return get(v.st.settlements, id)
}

func (v *view) ListSettlements(_ context.Context, cycleID int64) ([]models.Settlement, error) {
	return sorted(v.st.settlements, func(s models.Settlement) bool { return s.CycleID == cycleID }), nil
}
