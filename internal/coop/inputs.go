package coop

import (
	"coopcycle/models"

	"github.com/shopspring/decimal"
)

// OfferInput replaces a supplier's offer lines for one cycle. Lines are keyed by
// product; products missing from Lines keep their current line.
type OfferInput struct {
	CycleID    int64            `json:"cycleId"`
	SupplierID int64            `json:"supplierId"`
	Lines      []OfferLineInput `json:"lines"`
}

type OfferLineInput struct {
	ProductID      int64           `json:"productId"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	SaleValue      decimal.Decimal `json:"saleValue"`
}

// CompositionInput replaces the contents of a basket composition.
type CompositionInput struct {
	CycleID       int64                  `json:"cycleId"`
	CycleMarketID int64                  `json:"cycleMarketId"`
	BasketID      int64                  `json:"basketId"`
	Lines         []CompositionLineInput `json:"lines"`
	Options       []OptionInput          `json:"options"`
}

type CompositionLineInput struct {
	ProductID int64           `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
	// EstimatedUnitValue defaults to the product's reference price.
	EstimatedUnitValue decimal.Decimal `json:"estimatedUnitValue"`
}

type OptionInput struct {
	Name  string                 `json:"name"`
	Lines []CompositionLineInput `json:"lines"`
}

type SubscriptionInput struct {
	CycleID       int64  `json:"cycleId"`
	CompositionID int64  `json:"compositionId"`
	ConsumerID    int64  `json:"consumerId"`
	Quantity      int    `json:"quantity"`
	OptionID      *int64 `json:"optionId,omitempty"`
}

// OrderInput sets a consumer's direct order lines for one cycle market. A zero
// quantity withdraws the product from the order.
type OrderInput struct {
	CycleID       int64            `json:"cycleId"`
	CycleMarketID int64            `json:"cycleMarketId"`
	ConsumerID    int64            `json:"consumerId"`
	Lines         []OrderLineInput `json:"lines"`
}

type OrderLineInput struct {
	ProductID int64           `json:"productId"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// ForceBindInput pins a quantity of one demand line to one offer line. A zero
// quantity releases the pin.
type ForceBindInput struct {
	CycleID     int64             `json:"cycleId"`
	OriginType  models.OriginType `json:"originType"`
	OriginID    int64             `json:"originId"`
	OfferLineID int64             `json:"offerLineId"`
	Quantity    decimal.Decimal   `json:"quantity"`
}
