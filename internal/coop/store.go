package coop

import (
	"context"
	"time"

	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// Reader is the read side of the store. Single-row getters return
// sql.ErrNoRows when the row is absent.
type Reader interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error)
	GetBasketTemplate(ctx context.Context, id int64) (*models.BasketTemplate, error)
	ListBasketTemplates(ctx context.Context) ([]models.BasketTemplate, error)
	GetMarket(ctx context.Context, id int64) (*models.Market, error)
	ListMarkets(ctx context.Context) ([]models.Market, error)

	GetCycle(ctx context.Context, id int64) (*models.Cycle, error)
	ListCycles(ctx context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error)
	GetCycleMarket(ctx context.Context, id int64) (*models.CycleMarket, error)
	ListCycleMarkets(ctx context.Context, cycleID int64) ([]models.CycleMarket, error)

	GetOffer(ctx context.Context, cycleID, supplierID int64) (*models.Offer, error)
	ListOfferLines(ctx context.Context, cycleID int64) ([]models.OfferLine, error)

	GetComposition(ctx context.Context, id int64) (*models.BasketComposition, error)
	ListCompositions(ctx context.Context, cycleID int64) ([]models.BasketComposition, error)
	ListSubscriptions(ctx context.Context, cycleID int64) ([]models.BasketSubscription, error)

	GetOrder(ctx context.Context, id int64) (*models.ConsumerOrder, error)
	FindOrder(ctx context.Context, cycleID, consumerID int64) (*models.ConsumerOrder, error)
	ListOrders(ctx context.Context, cycleID int64) ([]models.ConsumerOrder, error)

	ListBindings(ctx context.Context, cycleID int64) ([]models.Binding, error)
	ListAllocationRuns(ctx context.Context, cycleID int64, limit int) ([]models.AllocationRun, error)

	GetSettlement(ctx context.Context, id int64) (*models.Settlement, error)
	ListSettlements(ctx context.Context, cycleID int64) ([]models.Settlement, error)
}

// Tx is a store transaction. Lock methods take row locks held until commit;
// callers lock the cycle row before any offer line.
type Tx interface {
	Reader

	LockCycle(ctx context.Context, id int64) (*models.Cycle, error)
	// LockOfferLines locks every offer line of the cycle in ascending id order.
	LockOfferLines(ctx context.Context, cycleID int64) ([]models.OfferLine, error)

	CreateProduct(ctx context.Context, p *models.Product) error
	CreateBasketTemplate(ctx context.Context, b *models.BasketTemplate) error
	CreateMarket(ctx context.Context, m *models.Market) error
	CreateCycle(ctx context.Context, c *models.Cycle) error
	UpdateCycle(ctx context.Context, c *models.Cycle) error
	UpsertCycleMarket(ctx context.Context, cm *models.CycleMarket) error

	UpsertOffer(ctx context.Context, o *models.Offer) error
	UpsertOfferLine(ctx context.Context, l *models.OfferLine) error

	UpsertComposition(ctx context.Context, c *models.BasketComposition) error
	UpsertCompositionOption(ctx context.Context, o *models.CompositionOption) error
	UpsertCompositionLine(ctx context.Context, l *models.CompositionLine) error
	// DeleteCompositionLines removes the lines of a composition not in keep and
	// returns the removed ids.
	DeleteCompositionLines(ctx context.Context, compositionID int64, keep []int64) ([]int64, error)
	DeleteCompositionOptions(ctx context.Context, compositionID int64, keep []int64) error
	SetCompositionLineBinding(ctx context.Context, lineID int64, offerLineID *int64, unitValue decimal.NullDecimal) error

	UpsertSubscription(ctx context.Context, s *models.BasketSubscription) error
	UpsertOrder(ctx context.Context, o *models.ConsumerOrder) error
	UpsertOrderLine(ctx context.Context, l *models.ConsumerOrderLine) error
	FinalizeOrder(ctx context.Context, id int64, at time.Time) error

	InsertBindings(ctx context.Context, bs []models.Binding) ([]models.Binding, error)
	UpdateBindings(ctx context.Context, bs []models.Binding) error
	DeleteBindings(ctx context.Context, ids []int64) error
	DeleteBindingsByOrigin(ctx context.Context, origin models.OriginType, originIDs []int64) error
	InsertAllocationRun(ctx context.Context, r *models.AllocationRun) error

	// InsertSettlements fails with AlreadySettled when an active settlement of
	// the same cycle, type and user exists.
	InsertSettlements(ctx context.Context, ss []models.Settlement) ([]models.Settlement, error)
	CancelSettlements(ctx context.Context, cycleID int64) (int, error)
	UpdateSettlementStatus(ctx context.Context, id int64, status models.SettlementStatus, paymentDate *time.Time) error
}

// Store is what Service persists through.
type Store interface {
	Reader
	// InTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
