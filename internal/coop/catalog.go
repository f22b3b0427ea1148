package coop

import (
	"context"
	"strings"

	"coopcycle/models"
)

func (s *Service) CreateProduct(ctx context.Context, p *models.Product) error {
	const op = "create product"
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return newError(ValidationError, op, "name is required")
	}
	if p.ReferencePrice.IsNegative() {
		return newError(ValidationError, op, "reference price must not be negative")
	}
	return classify(op, s.store.InTx(ctx, func(tx Tx) error {
		return tx.CreateProduct(ctx, p)
	}))
}

func (s *Service) ListProducts(ctx context.Context, limit, offset int) ([]models.Product, error) {
	ps, err := s.store.ListProducts(ctx, limit, offset)
	return ps, classify("list products", err)
}

func (s *Service) CreateBasketTemplate(ctx context.Context, b *models.BasketTemplate) error {
	const op = "create basket"
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return newError(ValidationError, op, "name is required")
	}
	return classify(op, s.store.InTx(ctx, func(tx Tx) error {
		return tx.CreateBasketTemplate(ctx, b)
	}))
}

func (s *Service) ListBasketTemplates(ctx context.Context) ([]models.BasketTemplate, error) {
	bs, err := s.store.ListBasketTemplates(ctx)
	return bs, classify("list baskets", err)
}

func (s *Service) CreateMarket(ctx context.Context, m *models.Market) error {
	const op = "create market"
	m.Name = strings.TrimSpace(m.Name)
	switch {
	case m.Name == "":
		return newError(ValidationError, op, "name is required")
	case !m.SaleType.Valid():
		return newError(ValidationError, op, "unknown sale type %q", m.SaleType)
	case m.AdminFeeRate.IsNegative():
		return newError(ValidationError, op, "admin fee rate must not be negative")
	case m.MaxBasketValue.Valid && !m.MaxBasketValue.Decimal.IsPositive():
		return newError(ValidationError, op, "max basket value must be positive")
	}
	return classify(op, s.store.InTx(ctx, func(tx Tx) error {
		return tx.CreateMarket(ctx, m)
	}))
}

func (s *Service) ListMarkets(ctx context.Context) ([]models.Market, error) {
	ms, err := s.store.ListMarkets(ctx)
	return ms, classify("list markets", err)
}
