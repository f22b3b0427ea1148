package handlers

import (
	"context"

	"coopcycle/internal/aggregate"
	"coopcycle/internal/allocation"
	"coopcycle/internal/coop"
	"coopcycle/models"
)

// CoopService is the part of coop.Service the HTTP layer calls.
type CoopService interface {
	CreateProduct(ctx context.Context, p *models.Product) error
	ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error)
	CreateBasketTemplate(ctx context.Context, b *models.BasketTemplate) error
	ListBasketTemplates(ctx context.Context) ([]models.BasketTemplate, error)
	CreateMarket(ctx context.Context, m *models.Market) error
	ListMarkets(ctx context.Context) ([]models.Market, error)

	CreateCycle(ctx context.Context, actor coop.Actor, c *models.Cycle) error
	GetCycle(ctx context.Context, id int64) (*models.Cycle, error)
	ListCycles(ctx context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error)
	Transition(ctx context.Context, actor coop.Actor, cycleID int64, to models.CycleStatus) (*models.Cycle, error)
	AcknowledgeShortfall(ctx context.Context, actor coop.Actor, cycleID int64) (*models.Cycle, error)
	CloseCycle(ctx context.Context, actor coop.Actor, cycleID int64, opts coop.CloseOptions) (*models.Cycle, error)
	AddCycleMarket(ctx context.Context, actor coop.Actor, cm *models.CycleMarket) error
	ListCycleMarkets(ctx context.Context, cycleID int64) ([]models.CycleMarket, error)

	UpsertOffer(ctx context.Context, actor coop.Actor, in coop.OfferInput) (*models.Offer, error)
	GetOffer(ctx context.Context, cycleID, supplierID int64) (*models.Offer, error)
	UpsertComposition(ctx context.Context, actor coop.Actor, in coop.CompositionInput) (*models.BasketComposition, error)
	GetComposition(ctx context.Context, id int64) (*models.BasketComposition, error)
	Subscribe(ctx context.Context, actor coop.Actor, in coop.SubscriptionInput) (*models.BasketSubscription, error)
	PlaceOrder(ctx context.Context, actor coop.Actor, in coop.OrderInput) (*models.ConsumerOrder, error)
	GetOrder(ctx context.Context, id int64) (*models.ConsumerOrder, error)
	FinalizeOrder(ctx context.Context, actor coop.Actor, orderID int64) (*models.ConsumerOrder, error)

	AggregateSupply(ctx context.Context, cycleID int64) ([]aggregate.SupplyLine, error)
	AggregateDemand(ctx context.Context, cycleID int64) ([]aggregate.DemandLine, error)
	CycleReport(ctx context.Context, cycleID int64) (*coop.Report, error)
	RunAllocation(ctx context.Context, actor coop.Actor, cycleID int64) (*allocation.Result, error)
	ForceBind(ctx context.Context, actor coop.Actor, in coop.ForceBindInput) (*allocation.Result, error)
	ListBindings(ctx context.Context, cycleID int64) ([]models.Binding, error)
	ListAllocationRuns(ctx context.Context, cycleID int64, limit int) ([]models.AllocationRun, error)

	GenerateSettlements(ctx context.Context, actor coop.Actor, cycleID int64) ([]models.Settlement, error)
	ListSettlements(ctx context.Context, cycleID int64) ([]models.Settlement, error)
	CancelSettlements(ctx context.Context, actor coop.Actor, cycleID int64) (int, error)
	MarkSettlementPaid(ctx context.Context, actor coop.Actor, id int64) (*models.Settlement, error)
}

var _ CoopService = (*coop.Service)(nil)
