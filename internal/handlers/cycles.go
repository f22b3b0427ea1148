package handlers

import (
	"net/http"

	"coopcycle/internal/coop"
	"coopcycle/models"
)

func (h *Handler) CreateCycleHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Cycle
	if !decodeBody(w, r, &c) {
		return
	}
	if err := h.Svc.CreateCycle(r.Context(), actor(r), &c); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCyclesHandler accepts repeated status filters, e.g. ?status=offering&status=composing.
func (h *Handler) ListCyclesHandler(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	var statuses []models.CycleStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, models.CycleStatus(s))
	}
	cycles, err := h.Svc.ListCycles(r.Context(), statuses, params.Limit, params.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (h *Handler) GetCycleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	c, err := h.Svc.GetCycle(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// TransitionHandler moves a cycle to ?status=.
func (h *Handler) TransitionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		badRequest(w, "Missing status")
		return
	}
	c, err := h.Svc.Transition(r.Context(), actor(r), id, models.CycleStatus(status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CloseCycleHandler closes a cycle; ?acknowledgeShortfall=true accepts unmet
// demand and ?settle=true generates settlements in the same step.
func (h *Handler) CloseCycleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	opts := coop.CloseOptions{
		AcknowledgeShortfall: queryBool(r, "acknowledgeShortfall"),
		Settle:               queryBool(r, "settle"),
	}
	c, err := h.Svc.CloseCycle(r.Context(), actor(r), id, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) AcknowledgeShortfallHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	c, err := h.Svc.AcknowledgeShortfall(r.Context(), actor(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) AddCycleMarketHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	var cm models.CycleMarket
	if !decodeBody(w, r, &cm) {
		return
	}
	cm.CycleID = id
	if err := h.Svc.AddCycleMarket(r.Context(), actor(r), &cm); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cm)
}

func (h *Handler) ListCycleMarketsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	cms, err := h.Svc.ListCycleMarkets(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cms)
}

func (h *Handler) SupplyHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	supply, err := h.Svc.AggregateSupply(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

func (h *Handler) DemandHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	demand, err := h.Svc.AggregateDemand(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, demand)
}

func (h *Handler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	report, err := h.Svc.CycleReport(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
