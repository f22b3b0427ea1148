package handlers

import (
	"net/http"

	"coopcycle/internal/coop"
)

// UpsertOfferHandler replaces the lines of a supplier's offer.
func (h *Handler) UpsertOfferHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	supplierID, ok := idParam(w, r, "supplierId")
	if !ok {
		return
	}
	var in coop.OfferInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.CycleID, in.SupplierID = cycleID, supplierID
	o, err := h.Svc.UpsertOffer(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) GetOfferHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	supplierID, ok := idParam(w, r, "supplierId")
	if !ok {
		return
	}
	o, err := h.Svc.GetOffer(r.Context(), cycleID, supplierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) UpsertCompositionHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	var in coop.CompositionInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.CycleID = cycleID
	c, err := h.Svc.UpsertComposition(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetCompositionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "compositionId")
	if !ok {
		return
	}
	c, err := h.Svc.GetComposition(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	var in coop.SubscriptionInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.CycleID = cycleID
	sub, err := h.Svc.Subscribe(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	cycleID, ok := idParam(w, r, "cycleId")
	if !ok {
		return
	}
	var in coop.OrderInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.CycleID = cycleID
	o, err := h.Svc.PlaceOrder(r.Context(), actor(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "orderId")
	if !ok {
		return
	}
	o, err := h.Svc.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) FinalizeOrderHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "orderId")
	if !ok {
		return
	}
	o, err := h.Svc.FinalizeOrder(r.Context(), actor(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
