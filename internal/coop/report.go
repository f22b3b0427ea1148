package coop

import (
	"context"

	"coopcycle/internal/aggregate"
	"coopcycle/internal/allocation"
	"coopcycle/internal/settlement"
	"coopcycle/models"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Report is a read-only view of a cycle with a preview of its next allocation run.
type Report struct {
	Cycle       *models.Cycle                             `json:"cycle"`
	Supply      []aggregate.SupplyLine                    `json:"supply"`
	Demand      []aggregate.DemandLine                    `json:"demand"`
	ByProduct   map[int64]decimal.Decimal                 `json:"demandByProduct"`
	Preview     *allocation.Result                        `json:"preview"`
	Bound       decimal.Decimal                           `json:"bound"`
	Unmet       decimal.Decimal                           `json:"unmet"`
	Extra       []allocation.Leftover                     `json:"extraDelivery"`
	Settlements []models.Settlement                       `json:"settlements"`
	Totals      map[models.SettlementType]decimal.Decimal `json:"totals"`
	LastRun     *models.AllocationRun                     `json:"lastRun,omitempty"`
}

// CycleReport loads the cycle's pieces concurrently and previews an allocation
// without writing anything.
func (s *Service) CycleReport(ctx context.Context, cycleID int64) (*Report, error) {
	const op = "cycle report"
	c, err := s.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, classify(op, err)
	}

	var (
		offerLines  []models.OfferLine
		in          aggregate.DemandInput
		bindings    []models.Binding
		settlements []models.Settlement
		runs        []models.AllocationRun
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		offerLines, err = s.store.ListOfferLines(gctx, cycleID)
		return err
	})
	g.Go(func() error {
		var err error
		in, err = loadDemandInput(gctx, s.store, cycleID)
		return err
	})
	g.Go(func() error {
		var err error
		bindings, err = s.store.ListBindings(gctx, cycleID)
		return err
	})
	g.Go(func() error {
		var err error
		settlements, err = s.store.ListSettlements(gctx, cycleID)
		return err
	})
	g.Go(func() error {
		var err error
		runs, err = s.store.ListAllocationRuns(gctx, cycleID, 1)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, classify(op, err)
	}

	demand, err := aggregate.Demand(in)
	if err != nil {
		return nil, &Error{Kind: ValidationError, Op: op, Err: err}
	}
	unmet, err := unmetDemand(in, bindings)
	if err != nil {
		return nil, classify(op, err)
	}
	var pinned []models.Binding
	bound := decimal.Zero
	for _, b := range bindings {
		bound = bound.Add(b.Quantity)
		if b.Pinned {
			pinned = append(pinned, b)
		}
	}

	supply := aggregate.Supply(offerLines, bindings)
	r := &Report{
		Cycle:       c,
		Supply:      supply,
		Demand:      demand,
		ByProduct:   aggregate.TotalByProduct(demand),
		Preview:     allocation.Allocate(cycleID, aggregate.Supply(offerLines, nil), demand, pinned),
		Bound:       bound,
		Unmet:       unmet,
		Extra:       extraDelivery(supply),
		Settlements: settlements,
		Totals:      settlement.Summary(settlements),
	}
	if len(runs) > 0 {
		r.LastRun = &runs[0]
	}
	return r, nil
}

// extraDelivery is the capacity each supplier holds beyond the stored
// bindings, per product.
func extraDelivery(supply []aggregate.SupplyLine) []allocation.Leftover {
	idx := make(map[[2]int64]int)
	var out []allocation.Leftover
	for _, s := range supply {
		rem := s.Remaining()
		if !rem.IsPositive() {
			continue
		}
		k := [2]int64{s.ProductID, s.SupplierID}
		if i, ok := idx[k]; ok {
			out[i].Quantity = out[i].Quantity.Add(rem)
			continue
		}
		idx[k] = len(out)
		out = append(out, allocation.Leftover{ProductID: s.ProductID, SupplierID: s.SupplierID, Quantity: rem})
	}
	return out
}
