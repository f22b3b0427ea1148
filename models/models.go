package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CycleStatus string

const (
	CyclePlanning   CycleStatus = "planning"
	CycleOffering   CycleStatus = "offering"
	CycleComposing  CycleStatus = "composing"
	CycleDelivering CycleStatus = "delivering"
	CycleWithdrawal CycleStatus = "withdrawal"
	CycleClosed     CycleStatus = "closed"
	CycleCanceled   CycleStatus = "canceled"
)

type SaleType string

const (
	SaleBasket SaleType = "basket"
	SaleLot    SaleType = "lot"
	SaleDirect SaleType = "direct_sale"
)

// Valid reports whether t is one of the known sale types.
func (t SaleType) Valid() bool {
	switch t {
	case SaleBasket, SaleLot, SaleDirect:
		return true
	}
	return false
}

// OriginType tags where a demand line (and its bindings) came from.
type OriginType string

const (
	OriginBasket OriginType = "basket"
	OriginDirect OriginType = "direct"
)

// SettlementType keeps the direction of money: suppliers are owed, consumers owe.
type SettlementType string

const (
	SupplierPayable    SettlementType = "supplier_payable"
	ConsumerReceivable SettlementType = "consumer_receivable"
)

type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementPaid     SettlementStatus = "paid"
	SettlementCanceled SettlementStatus = "canceled"
)

// Product is catalog reference data.
type Product struct {
	ID             int64           `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Unit           string          `db:"unit" json:"unit"`
	ReferencePrice decimal.Decimal `db:"reference_price" json:"referencePrice"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// BasketTemplate names a basket type; its contents live in per-cycle compositions.
type BasketTemplate struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

type Market struct {
	ID                int64               `db:"id" json:"id"`
	Name              string              `db:"name" json:"name"`
	SaleType          SaleType            `db:"sale_type" json:"saleType"`
	ResponsibleUserID int64               `db:"responsible_user_id" json:"responsibleUserId"`
	AdminFeeRate      decimal.Decimal     `db:"admin_fee_rate" json:"adminFeeRate"`
	MaxBasketValue    decimal.NullDecimal `db:"max_basket_value" json:"maxBasketValue"`
	CreatedAt         time.Time           `db:"created_at" json:"createdAt"`
}

type Cycle struct {
	ID             int64       `db:"id" json:"id"`
	Name           string      `db:"name" json:"name"`
	Status         CycleStatus `db:"status" json:"status"`
	Notes          string      `db:"notes" json:"notes"`
	OfferStart     time.Time   `db:"offer_start" json:"offerStart"`
	OfferEnd       time.Time   `db:"offer_end" json:"offerEnd"`
	ExtraStart     *time.Time  `db:"extra_start" json:"extraStart,omitempty"`
	ExtraEnd       *time.Time  `db:"extra_end" json:"extraEnd,omitempty"`
	PickupStart    time.Time   `db:"pickup_start" json:"pickupStart"`
	PickupEnd      time.Time   `db:"pickup_end" json:"pickupEnd"`
	ShortfallAckAt *time.Time  `db:"shortfall_ack_at" json:"shortfallAckAt,omitempty"`
	ShortfallAckBy *int64      `db:"shortfall_ack_by" json:"shortfallAckBy,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time   `db:"updated_at" json:"-"`
}

// CycleMarket binds a market to a cycle. SaleType may differ from the market default.
type CycleMarket struct {
	ID                int64               `db:"id" json:"id"`
	CycleID           int64               `db:"cycle_id" json:"cycleId"`
	MarketID          int64               `db:"market_id" json:"marketId"`
	SaleType          SaleType            `db:"sale_type" json:"saleType"`
	ServiceOrder      int                 `db:"service_order" json:"serviceOrder"`
	BasketCount       *int                `db:"basket_count" json:"basketCount,omitempty"`
	TargetBasketValue decimal.NullDecimal `db:"target_basket_value" json:"targetBasketValue"`
	TargetLotValue    decimal.NullDecimal `db:"target_lot_value" json:"targetLotValue"`
	DeliveryStart     *time.Time          `db:"delivery_start" json:"deliveryStart,omitempty"`
	DeliveryEnd       *time.Time          `db:"delivery_end" json:"deliveryEnd,omitempty"`
	PickupStart       *time.Time          `db:"pickup_start" json:"pickupStart,omitempty"`
	PickupEnd         *time.Time          `db:"pickup_end" json:"pickupEnd,omitempty"`
	PurchaseStart     *time.Time          `db:"purchase_start" json:"purchaseStart,omitempty"`
	PurchaseEnd       *time.Time          `db:"purchase_end" json:"purchaseEnd,omitempty"`
	Status            string              `db:"status" json:"status"`
	CreatedAt         time.Time           `db:"created_at" json:"createdAt"`
}

// Baskets returns how many baskets (or lots) the market expects this cycle.
func (cm CycleMarket) Baskets() int {
	if cm.SaleType == SaleLot {
		return 1
	}
	if cm.BasketCount == nil {
		return 0
	}
	return *cm.BasketCount
}

type Offer struct {
	ID         int64       `db:"id" json:"id"`
	CycleID    int64       `db:"cycle_id" json:"cycleId"`
	SupplierID int64       `db:"supplier_id" json:"supplierId"`
	CreatedAt  time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time   `db:"updated_at" json:"-"`
	Lines      []OfferLine `db:"-" json:"lines"`
}

// OfferLine is a supplier lot. Quantity is the hard capacity for supplier/product/cycle.
type OfferLine struct {
	ID             int64           `db:"id" json:"id"`
	OfferID        int64           `db:"offer_id" json:"offerId"`
	CycleID        int64           `db:"cycle_id" json:"cycleId"`
	SupplierID     int64           `db:"supplier_id" json:"supplierId"`
	ProductID      int64           `db:"product_id" json:"productId"`
	Quantity       decimal.Decimal `db:"quantity" json:"quantity"`
	ReferencePrice decimal.Decimal `db:"reference_price" json:"referencePrice"`
	SaleValue      decimal.Decimal `db:"sale_value" json:"saleValue"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at" json:"-"`
}

type BasketComposition struct {
	ID            int64               `db:"id" json:"id"`
	CycleID       int64               `db:"cycle_id" json:"cycleId"`
	CycleMarketID int64               `db:"cycle_market_id" json:"cycleMarketId"`
	BasketID      int64               `db:"basket_id" json:"basketId"`
	CreatedAt     time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time           `db:"updated_at" json:"-"`
	Lines         []CompositionLine   `db:"-" json:"lines"`
	Options       []CompositionOption `db:"-" json:"options"`
}

// CompositionOption is one of a set of mutually exclusive alternatives in a basket.
type CompositionOption struct {
	ID            int64             `db:"id" json:"id"`
	CompositionID int64             `db:"composition_id" json:"compositionId"`
	Name          string            `db:"name" json:"name"`
	Lines         []CompositionLine `db:"-" json:"lines"`
}

type CompositionLine struct {
	ID                 int64               `db:"id" json:"id"`
	CompositionID      int64               `db:"composition_id" json:"compositionId"`
	OptionID           *int64              `db:"option_id" json:"optionId,omitempty"`
	ProductID          int64               `db:"product_id" json:"productId"`
	Quantity           decimal.Decimal     `db:"quantity" json:"quantity"`
	EstimatedUnitValue decimal.Decimal     `db:"estimated_unit_value" json:"estimatedUnitValue"`
	OfferLineID        *int64              `db:"offer_line_id" json:"offerLineId,omitempty"`
	UnitValue          decimal.NullDecimal `db:"unit_value" json:"unitValue"`
	CreatedAt          time.Time           `db:"created_at" json:"createdAt"`
}

// BasketSubscription is a consumer's request for baskets of one composition.
type BasketSubscription struct {
	ID            int64     `db:"id" json:"id"`
	CycleID       int64     `db:"cycle_id" json:"cycleId"`
	CycleMarketID int64     `db:"cycle_market_id" json:"cycleMarketId"`
	CompositionID int64     `db:"composition_id" json:"compositionId"`
	ConsumerID    int64     `db:"consumer_id" json:"consumerId"`
	Quantity      int       `db:"quantity" json:"quantity"`
	OptionID      *int64    `db:"option_id" json:"optionId,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

type ConsumerOrder struct {
	ID            int64               `db:"id" json:"id"`
	CycleID       int64               `db:"cycle_id" json:"cycleId"`
	CycleMarketID int64               `db:"cycle_market_id" json:"cycleMarketId"`
	ConsumerID    int64               `db:"consumer_id" json:"consumerId"`
	Finalized     bool                `db:"finalized" json:"finalized"`
	FinalizedAt   *time.Time          `db:"finalized_at" json:"finalizedAt,omitempty"`
	CreatedAt     time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time           `db:"updated_at" json:"-"`
	Lines         []ConsumerOrderLine `db:"-" json:"lines"`
}

// ConsumerOrderLine captures the offer price at order time; PurchasePrice includes
// the market's administrative fee.
type ConsumerOrderLine struct {
	ID            int64           `db:"id" json:"id"`
	OrderID       int64           `db:"order_id" json:"orderId"`
	ProductID     int64           `db:"product_id" json:"productId"`
	Quantity      decimal.Decimal `db:"quantity" json:"quantity"`
	OfferPrice    decimal.Decimal `db:"offer_price" json:"offerPrice"`
	PurchasePrice decimal.Decimal `db:"purchase_price" json:"purchasePrice"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
}

// Binding pairs a demand line with an offer line for a bound quantity.
type Binding struct {
	ID            int64           `db:"id" json:"id"`
	CycleID       int64           `db:"cycle_id" json:"cycleId"`
	OriginType    OriginType      `db:"origin_type" json:"originType"`
	OriginID      int64           `db:"origin_id" json:"demandOriginId"`
	ProductID     int64           `db:"product_id" json:"productId"`
	CycleMarketID int64           `db:"cycle_market_id" json:"cycleMarketId"`
	MarketID      int64           `db:"market_id" json:"marketId"`
	OfferLineID   int64           `db:"offer_line_id" json:"offerLineId"`
	SupplierID    int64           `db:"supplier_id" json:"supplierId"`
	Quantity      decimal.Decimal `db:"quantity" json:"quantity"`
	UnitValue     decimal.Decimal `db:"unit_value" json:"unitValue"`
	Pinned        bool            `db:"pinned" json:"pinned"`
	RunID         string          `db:"run_id" json:"runId"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"-"`
}

// Value is the bound quantity priced at the captured unit value.
func (b Binding) Value() decimal.Decimal {
	return b.Quantity.Mul(b.UnitValue)
}

type AllocationRun struct {
	ID             string          `db:"id" json:"id"`
	CycleID        int64           `db:"cycle_id" json:"cycleId"`
	ActorID        int64           `db:"actor_id" json:"actorId"`
	StartedAt      time.Time       `db:"started_at" json:"startedAt"`
	FinishedAt     time.Time       `db:"finished_at" json:"finishedAt"`
	TotalDemand    decimal.Decimal `db:"total_demand" json:"totalDemand"`
	TotalBound     decimal.Decimal `db:"total_bound" json:"totalBound"`
	TotalShortfall decimal.Decimal `db:"total_shortfall" json:"totalShortfall"`
	TotalLeftover  decimal.Decimal `db:"total_leftover" json:"totalLeftover"`
	Created        int             `db:"created" json:"created"`
	Updated        int             `db:"updated" json:"updated"`
	Deleted        int             `db:"deleted" json:"deleted"`
	Unchanged      int             `db:"unchanged" json:"unchanged"`
}

type Settlement struct {
	ID          int64            `db:"id" json:"id"`
	CycleID     int64            `db:"cycle_id" json:"cycleId"`
	MarketID    *int64           `db:"market_id" json:"marketId,omitempty"`
	UserID      int64            `db:"user_id" json:"userId"`
	Type        SettlementType   `db:"type" json:"type"`
	Status      SettlementStatus `db:"status" json:"status"`
	TotalValue  decimal.Decimal  `db:"total_value" json:"totalValue"`
	PaymentDate *time.Time       `db:"payment_date" json:"paymentDate,omitempty"`
	CreatedBy   int64            `db:"created_by" json:"createdBy"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `db:"updated_at" json:"-"`
}
