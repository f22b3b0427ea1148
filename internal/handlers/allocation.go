package handlers

import (
	"net/http"

	"coopcycle/internal/coop"
)

func (h *Handler) RunAllocationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	res, err := h.Svc.RunAllocation(r.Context(), actor(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ForceBindHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	var in coop.ForceBindInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.CycleID = id
	res, err := h.Svc.ForceBind(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListBindingsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	bindings, err := h.Svc.ListBindings(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bindings)
}

func (h *Handler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	runs, err := h.Svc.ListAllocationRuns(r.Context(), id, parsePaginationParams(r).Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) GenerateSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	settlements, err := h.Svc.GenerateSettlements(r.Context(), actor(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, settlements)
}

func (h *Handler) ListSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	settlements, err := h.Svc.ListSettlements(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlements)
}

func (h *Handler) CancelSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	n, err := h.Svc.CancelSettlements(r.Context(), actor(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"canceled": n})
}

func (h *Handler) MarkPaidHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "settlementId")
	if !ok {
		return
	}
	st, err := h.Svc.MarkSettlementPaid(r.Context(), actor(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
