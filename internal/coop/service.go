// Package coop runs the cycle allocation and settlement operations over a
// transactional store.
package coop

import (
	"context"
	"time"

	"coopcycle/internal/lifecycle"
	"coopcycle/models"
	"coopcycle/pkg/log"

	"go.uber.org/zap"
)

// Actor is whoever triggers an operation. Source tags where the call came from
// ("api", "cli", "schedule") for logs and metrics.
type Actor struct {
	UserID int64
	Source string
}

// System is the actor used by scheduled jobs.
var System = Actor{Source: "schedule"}

func (a Actor) source() string {
	if a.Source == "" {
		return "api"
	}
	return a.Source
}

type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock replaces time.Now, mostly for tests that exercise time windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, log: log.L, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// lockCycle locks the cycle row and checks op against its state.
func (s *Service) lockCycle(ctx context.Context, tx Tx, cycleID int64, op lifecycle.Operation) (*models.Cycle, error) {
	c, err := tx.LockCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if op != "" {
		if err := lifecycle.Check(op, c, s.now()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *Service) GetCycle(ctx context.Context, id int64) (*models.Cycle, error) {
	c, err := s.store.GetCycle(ctx, id)
	return c, classify("get cycle", err)
}

func (s *Service) ListCycles(ctx context.Context, statuses []models.CycleStatus, limit, offset int) ([]models.Cycle, error) {
	cs, err := s.store.ListCycles(ctx, statuses, limit, offset)
	return cs, classify("list cycles", err)
}

func (s *Service) ListCycleMarkets(ctx context.Context, cycleID int64) ([]models.CycleMarket, error) {
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, classify("list cycle markets", err)
	}
	cms, err := s.store.ListCycleMarkets(ctx, cycleID)
	return cms, classify("list cycle markets", err)
}

func (s *Service) ListBindings(ctx context.Context, cycleID int64) ([]models.Binding, error) {
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, classify("list bindings", err)
	}
	bs, err := s.store.ListBindings(ctx, cycleID)
	return bs, classify("list bindings", err)
}

func (s *Service) ListAllocationRuns(ctx context.Context, cycleID int64, limit int) ([]models.AllocationRun, error) {
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, classify("list allocation runs", err)
	}
	rs, err := s.store.ListAllocationRuns(ctx, cycleID, limit)
	return rs, classify("list allocation runs", err)
}

func (s *Service) ListSettlements(ctx context.Context, cycleID int64) ([]models.Settlement, error) {
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return nil, classify("list settlements", err)
	}
	ss, err := s.store.ListSettlements(ctx, cycleID)
	return ss, classify("list settlements", err)
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*models.ConsumerOrder, error) {
	o, err := s.store.GetOrder(ctx, id)
	return o, classify("get order", err)
}

func (s *Service) GetComposition(ctx context.Context, id int64) (*models.BasketComposition, error) {
	c, err := s.store.GetComposition(ctx, id)
	return c, classify("get composition", err)
}

func (s *Service) GetOffer(ctx context.Context, cycleID, supplierID int64) (*models.Offer, error) {
	o, err := s.store.GetOffer(ctx, cycleID, supplierID)
	return o, classify("get offer", err)
}
